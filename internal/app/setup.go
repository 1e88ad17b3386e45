package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/tesis-crawler/internal/config"
	"github.com/JakeFAU/tesis-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/tesis-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/tesis-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/tesis-crawler/internal/hash/sha256"
	"github.com/JakeFAU/tesis-crawler/internal/offload"
	gcppublisher "github.com/JakeFAU/tesis-crawler/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/tesis-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/tesis-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/tesis-crawler/internal/storage/memory"
	miniostorage "github.com/JakeFAU/tesis-crawler/internal/storage/minio"
	pgstore "github.com/JakeFAU/tesis-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/tesis-crawler/internal/storage/sqlite"
)

func (a *App) setupStore(ctx context.Context) error {
	db := a.cfg.DB
	switch db.Driver {
	case config.StorePostgres:
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:      db.DSN,
			Table:    db.Table,
			MaxConns: db.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store = store
	case config.StoreSQLite:
		if dir := filepath.Dir(db.DSN); db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		store, err := sqlitestore.Open(sqlitestore.Config{DSN: db.DSN, Table: db.Table, BusyTimeout: db.BusyTimeout})
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.store = store
	default:
		a.logger.Warn("using in-memory record store; merged records are lost on exit")
		a.store = memorystorage.NewRecordStore()
	}
	a.onClose("record store", a.store.Close)

	if err := a.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	a.logger.Info("record store ready", zap.String("driver", db.Driver), zap.String("table", db.Table))
	return nil
}

func (a *App) setupOffload(ctx context.Context) error {
	oc := a.cfg.Offload
	var blobs crawler.BlobStore
	switch oc.Backend {
	case config.OffloadGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: oc.Bucket, Endpoint: oc.Endpoint})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.onClose("gcs", store.Close)
		blobs = store
	case config.OffloadMinIO:
		store, err := miniostorage.New(miniostorage.Config{
			Endpoint:        oc.Endpoint,
			Bucket:          oc.Bucket,
			AccessKeyID:     oc.AccessKeyID,
			SecretAccessKey: oc.SecretAccessKey,
			Region:          oc.Region,
			UseSSL:          oc.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("minio blob store init failed: %w", err)
		}
		if err := store.EnsureBucket(ctx, oc.Region); err != nil {
			return fmt.Errorf("minio bucket check failed: %w", err)
		}
		blobs = store
	case config.OffloadLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: oc.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = store
	case config.OffloadMemory:
		blobs = memorystorage.NewBlobStore()
	default:
		a.logger.Info("document offload disabled")
		return nil
	}
	a.uploader = offload.New(blobs, sha256.New(), offload.Options{
		DocumentDir: oc.DocumentDir,
		Prefix:      oc.Prefix,
	}, a.logger.Named("offload"))
	a.logger.Info("document offload enabled",
		zap.String("backend", oc.Backend),
		zap.String("bucket", oc.Bucket),
		zap.String("prefix", oc.Prefix),
	)
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	ps := a.cfg.PubSub
	if ps.TopicName == "" || ps.ProjectID == "" {
		a.logger.Debug("no Pub/Sub topic configured, batch notifications off")
		return nil
	}
	pub, err := gcppublisher.Open(ctx, ps.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.onClose("pubsub", pub.Close)
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", ps.ProjectID),
		zap.String("topic", ps.TopicName),
	)
	return nil
}

func (a *App) driverFactory() (crawler.DriverFactory, error) {
	if a.cfg.Scraper.Driver == config.DriverHeadless {
		if a.browser == nil {
			h := a.cfg.Headless
			browser, err := headlessfetcher.NewBrowser(headlessfetcher.Config{
				MaxParallel:       h.MaxParallel,
				UserAgent:         a.cfg.HTTP.UserAgent,
				NavigationTimeout: h.NavTimeout,
				SearchURL:         h.SearchURL,
				InputSelector:     h.InputSelector,
				SubmitSelector:    h.SubmitSelector,
				ResultSelector:    h.ResultSelector,
				NextSelector:      h.NextSelector,
				PageURL:           h.PageURL,
				SettleDelay:       h.SettleDelay,
			})
			if err != nil {
				return nil, fmt.Errorf("headless driver init failed: %w", err)
			}
			a.browser = browser
		}
		a.logger.Info("using headless page driver", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		return a.browser.Factory(), nil
	}

	httpCfg := collyfetcher.Config{
		UserAgent:     a.cfg.HTTP.UserAgent,
		RespectRobots: a.cfg.HTTP.RespectRobots,
		Timeout:       a.cfg.HTTP.Timeout,
		SearchURL:     a.cfg.HTTP.SearchURL,
		PageURL:       a.cfg.HTTP.PageURL,
	}
	// Surface template faults before the first term starts.
	if _, err := collyfetcher.New(httpCfg); err != nil {
		return nil, fmt.Errorf("http driver init failed: %w", err)
	}
	a.logger.Info("using http page driver", zap.String("user_agent", httpCfg.UserAgent))
	return collyfetcher.Factory(httpCfg), nil
}
