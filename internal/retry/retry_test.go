package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
)

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func (s *recordingSleeper) total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum time.Duration
	for _, d := range s.delays {
		sum += d
	}
	return sum
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestDoExhaustsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	ctrl := New(Policy{MaxRetries: 4, BaseDelay: 10 * time.Millisecond}, zap.NewNop(), WithSleeper(sleeper.sleep))

	attempts := 0
	_, err := Do(context.Background(), ctrl, "fetch", func(context.Context) (string, error) {
		attempts++
		return "", fmt.Errorf("attempt %d: %w", attempts, timeoutErr{})
	})

	require.Error(t, err)
	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.Contains(t, exhausted.Last.Error(), "attempt 4")
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}, sleeper.delays)
}

func TestDoLinearBackoffThenSuccess(t *testing.T) {
	t.Parallel()

	base := 25 * time.Millisecond
	sleeper := &recordingSleeper{}
	ctrl := New(Policy{MaxRetries: 3, BaseDelay: base}, nil, WithSleeper(sleeper.sleep))

	attempts := 0
	got, err := Do(context.Background(), ctrl, "paginate", func(context.Context) (int, error) {
		attempts++
		if attempts <= 2 {
			return 0, crawler.ErrEmptyResponse
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, base*1+base*2, sleeper.total())
}

func TestDoPermanentFailureSkipsRetries(t *testing.T) {
	t.Parallel()

	cases := map[string]error{
		"not found":   &crawler.StatusError{URL: "https://x.mx/a", StatusCode: 404},
		"invalid url": fmt.Errorf("build: %w", crawler.ErrInvalidURL),
		"parse error": &url.Error{Op: "parse", URL: "::", Err: errors.New("missing protocol scheme")},
		"marked":      Permanent(errors.New("login required")),
	}
	for name, failure := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			sleeper := &recordingSleeper{}
			ctrl := New(Policy{MaxRetries: 5, BaseDelay: time.Second}, nil, WithSleeper(sleeper.sleep))
			attempts := 0
			_, err := Do(context.Background(), ctrl, "fetch", func(context.Context) (struct{}, error) {
				attempts++
				return struct{}{}, failure
			})
			require.Error(t, err)
			assert.Equal(t, 1, attempts)
			assert.Empty(t, sleeper.delays)
			var exhausted *ExhaustedError
			assert.False(t, errors.As(err, &exhausted))
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ClassTransient, Classify(&crawler.StatusError{StatusCode: 503}))
	assert.Equal(t, ClassTransient, Classify(&crawler.StatusError{StatusCode: 429}))
	assert.Equal(t, ClassTransient, Classify(&crawler.StatusError{StatusCode: 408}))
	assert.Equal(t, ClassPermanent, Classify(&crawler.StatusError{StatusCode: 403}))
	assert.Equal(t, ClassTransient, Classify(&url.Error{Op: "Get", URL: "https://x", Err: timeoutErr{}}))
	assert.Equal(t, ClassTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, ClassPermanent, Classify(context.Canceled))
	assert.Equal(t, "permanent", ClassPermanent.String())
	assert.Equal(t, ClassPermanent, Classify(fmt.Errorf("wrapped: %w", Permanent(errors.New("bad selector")))))
	assert.Equal(t, "transient", ClassTransient.String())
	assert.NoError(t, Permanent(nil))
}

func TestDoStopsWhenContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	ctrl := New(Policy{MaxRetries: 5, BaseDelay: time.Hour}, nil)

	attempts := 0
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, ctrl, "fetch", func(context.Context) (int, error) {
			attempts++
			return 0, errors.New("connection reset by peer")
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}
