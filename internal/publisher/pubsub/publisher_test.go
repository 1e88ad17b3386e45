package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestPublisher(t *testing.T) (*Publisher, *pstest.Server) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	pub, err := Open(ctx, "tesis-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	_, err = pub.client.CreateTopic(ctx, "tesis-batches")
	require.NoError(t, err)
	return pub, srv
}

func TestPublishSendsJSON(t *testing.T) {
	t.Parallel()

	pub, srv := newTestPublisher(t)
	payload := map[string]any{"run_id": "r1", "sequence": 3, "records": 50}

	id, err := pub.Publish(context.Background(), "tesis-batches", payload)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "r1", got["run_id"])
	assert.EqualValues(t, 3, got["sequence"])
	assert.Equal(t, "application/json", msgs[0].Attributes["content_type"])
}

func TestPublishValidates(t *testing.T) {
	t.Parallel()

	pub, _ := newTestPublisher(t)
	_, err := pub.Publish(context.Background(), "", "x")
	require.Error(t, err)
	_, err = pub.Publish(context.Background(), "tesis-batches", func() {})
	require.ErrorContains(t, err, "marshal payload")

	_, err = Open(context.Background(), "")
	require.Error(t, err)
}
