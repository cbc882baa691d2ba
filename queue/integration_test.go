//go:build integration

package queue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WOULDU-pres/sauron-backend-sub002/natsclient"
)

func natsURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

func setupQueue(t *testing.T) (*JetStreamQueue, func()) {
	t.Helper()

	client, err := natsclient.NewClient(natsURL(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	cfg := DefaultConfig()
	// Unique names so parallel runs do not collide
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	cfg.StreamName = "SCREENING_IT_" + suffix
	cfg.Subject = "screening.it." + suffix
	cfg.DLQStreamName = "SCREENING_IT_DLQ_" + suffix
	cfg.DLQSubject = "screening.itdlq." + suffix

	q, err := NewJetStreamQueue(client, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, q.Initialize(ctx))

	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}
	return q, cleanup
}

func TestIntegrationEnqueueClaimAck(t *testing.T) {
	q, cleanup := setupQueue(t)
	defer cleanup()

	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "msg-1", []byte(`{"hello":"world"}`)))

	records, err := q.Claim(ctx, "worker-0", 10, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "msg-1", rec.ID)
	assert.Equal(t, 0, rec.RetryCount)
	require.NoError(t, rec.Ack(ctx))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.Pending)
}

func TestIntegrationRequeueIncrementsRetry(t *testing.T) {
	q, cleanup := setupQueue(t)
	defer cleanup()

	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "msg-1", []byte("payload")))

	records, err := q.Claim(ctx, "worker-0", 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NoError(t, q.Requeue(ctx, records[0]))

	records, err = q.Claim(ctx, "worker-0", 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].RetryCount)
	assert.Equal(t, "msg-1", records[0].ID)
	require.NoError(t, records[0].Ack(ctx))
}

func TestIntegrationDeadLetter(t *testing.T) {
	q, cleanup := setupQueue(t)
	defer cleanup()

	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "msg-1", []byte("payload")))

	records, err := q.Claim(ctx, "worker-0", 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NoError(t, q.DeadLetter(ctx, records[0], "analysis kept failing"))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.Pending)
	assert.Equal(t, uint64(1), stats.DeadLetter)

	// Dead letters never come back through Claim
	records, err = q.Claim(ctx, "worker-0", 1, time.Second)
	require.NoError(t, err)
	assert.Empty(t, records)
}
