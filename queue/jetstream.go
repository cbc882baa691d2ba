package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
	"github.com/WOULDU-pres/sauron-backend-sub002/natsclient"
)

// Header keys carried on every queued message
const (
	hdrMessageID  = "Screening-Message-Id"
	hdrRetryCount = "Screening-Retry-Count"
	hdrEnqueuedAt = "Screening-Enqueued-At"
	hdrDLQReason  = "Screening-Dlq-Reason"
)

// Config configures the JetStream-backed queue
type Config struct {
	StreamName    string        `json:"streamName"`
	Subject       string        `json:"subject"`
	DLQStreamName string        `json:"dlqStreamName"`
	DLQSubject    string        `json:"dlqSubject"`
	ConsumerGroup string        `json:"consumerGroup"`
	AckWait       time.Duration `json:"ackWait"`
	MaxAge        time.Duration `json:"maxAge"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		StreamName:    "SCREENING",
		Subject:       "screening.messages",
		DLQStreamName: "SCREENING_DLQ",
		DLQSubject:    "screening.deadletter",
		ConsumerGroup: "screening-workers",
		AckWait:       30 * time.Second,
		MaxAge:        24 * time.Hour,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.StreamName == "" || c.Subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"Config", "Validate", "check stream name and subject")
	}
	if c.DLQStreamName == "" || c.DLQSubject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"Config", "Validate", "check DLQ stream name and subject")
	}
	if c.ConsumerGroup == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"Config", "Validate", "check consumer group")
	}
	if c.AckWait <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: ack wait must be positive", errors.ErrInvalidConfig),
			"Config", "Validate", "check ack wait")
	}
	return nil
}

// JetStreamQueue implements Queue on top of a JetStream stream with a
// durable consumer as the consumer group. Retries are modelled by
// acknowledging the claimed delivery and republishing the record with an
// incremented retry count, which keeps the pending set bounded.
type JetStreamQueue struct {
	client   *natsclient.Client
	cfg      Config
	logger   *slog.Logger
	stream   jetstream.Stream
	dlq      jetstream.Stream
	consumer jetstream.Consumer
}

// NewJetStreamQueue creates a queue backed by the given NATS client
func NewJetStreamQueue(client *natsclient.Client, cfg Config, logger *slog.Logger) (*JetStreamQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JetStreamQueue{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "queue"),
	}, nil
}

// Initialize creates the streams and durable consumer. Safe to call from
// multiple instances concurrently.
func (q *JetStreamQueue) Initialize(ctx context.Context) error {
	stream, err := q.client.CreateStream(ctx, jetstream.StreamConfig{
		Name:      q.cfg.StreamName,
		Subjects:  []string{q.cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    q.cfg.MaxAge,
	})
	if err != nil {
		return errors.WrapTransient(err, "JetStreamQueue", "Initialize", "create stream")
	}
	q.stream = stream

	dlq, err := q.client.CreateStream(ctx, jetstream.StreamConfig{
		Name:     q.cfg.DLQStreamName,
		Subjects: []string{q.cfg.DLQSubject},
		Storage:  jetstream.FileStorage,
		// Dead letters are kept for operator inspection, no work-queue policy
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		return errors.WrapTransient(err, "JetStreamQueue", "Initialize", "create DLQ stream")
	}
	q.dlq = dlq

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:   q.cfg.ConsumerGroup,
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   q.cfg.AckWait,
		// Crash redelivery only; application retries republish explicitly
		MaxDeliver: -1,
	})
	if err != nil {
		return errors.WrapTransient(err, "JetStreamQueue", "Initialize", "create consumer")
	}
	q.consumer = consumer

	q.logger.Info("queue initialized",
		"stream", q.cfg.StreamName,
		"dlq", q.cfg.DLQStreamName,
		"consumerGroup", q.cfg.ConsumerGroup)

	return nil
}

// Enqueue appends a record to the queue
func (q *JetStreamQueue) Enqueue(ctx context.Context, id string, payload []byte) error {
	return q.publish(ctx, q.cfg.Subject, id, payload, 0, time.Now().UTC(), "")
}

func (q *JetStreamQueue) publish(ctx context.Context, subject, id string, payload []byte, retryCount int, enqueuedAt time.Time, dlqReason string) error {
	msg := &nats.Msg{
		Subject: subject,
		Data:    payload,
		Header:  nats.Header{},
	}
	msg.Header.Set(hdrMessageID, id)
	msg.Header.Set(hdrRetryCount, strconv.Itoa(retryCount))
	msg.Header.Set(hdrEnqueuedAt, enqueuedAt.Format(time.RFC3339Nano))
	if dlqReason != "" {
		msg.Header.Set(hdrDLQReason, dlqReason)
	}

	if err := q.client.PublishMsgToStream(ctx, msg); err != nil {
		return errors.WrapTransient(err, "JetStreamQueue", "publish",
			fmt.Sprintf("publish record %s to %s", id, subject))
	}
	return nil
}

// Claim fetches up to batchSize records, blocking up to maxWait for the
// first one. An empty result is not an error. The durable consumer is
// shared by the whole group; consumer identifies the member for logging
// and error attribution.
func (q *JetStreamQueue) Claim(ctx context.Context, consumer string, batchSize int, maxWait time.Duration) ([]*Record, error) {
	if q.consumer == nil {
		return nil, errors.ErrNotStarted
	}
	if batchSize <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("batch size must be positive, got %d", batchSize),
			"JetStreamQueue", "Claim", "check batch size")
	}

	batch, err := q.consumer.Fetch(batchSize, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return nil, errors.WrapTransient(err, "JetStreamQueue", "Claim",
			fmt.Sprintf("fetch batch for %s", consumer))
	}

	var records []*Record
	for msg := range batch.Messages() {
		records = append(records, q.toRecord(msg))
	}
	if err := batch.Error(); err != nil {
		// Records already fetched are still valid claims
		q.logger.Warn("batch fetch ended with error",
			"consumer", consumer, "error", err, "claimed", len(records))
	}

	return records, nil
}

func (q *JetStreamQueue) toRecord(msg jetstream.Msg) *Record {
	headers := msg.Headers()

	id := headers.Get(hdrMessageID)
	if id == "" {
		// Records published outside this module may lack headers
		if meta, err := msg.Metadata(); err == nil {
			id = fmt.Sprintf("%s-%d", q.cfg.StreamName, meta.Sequence.Stream)
		}
	}

	retryCount := 0
	if v := headers.Get(hdrRetryCount); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			retryCount = n
		}
	}

	enqueuedAt := time.Now().UTC()
	if v := headers.Get(hdrEnqueuedAt); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			enqueuedAt = t
		}
	}

	return NewRecord(id, msg.Data(), enqueuedAt, retryCount, func(ctx context.Context) error {
		return msg.DoubleAck(ctx)
	})
}

// Requeue republishes the record with retry count incremented, then
// acknowledges the original claim. If the republish fails the claim is left
// unacknowledged and the record redelivers after the ack wait.
func (q *JetStreamQueue) Requeue(ctx context.Context, rec *Record) error {
	if rec.Acked() {
		return errors.ErrAlreadyAcked
	}

	if err := q.publish(ctx, q.cfg.Subject, rec.ID, rec.Payload, rec.RetryCount+1, rec.EnqueuedAt, ""); err != nil {
		return err
	}

	if err := rec.Ack(ctx); err != nil {
		// The retry copy is already durable; the original will redeliver and
		// be deduplicated by processing state.
		q.logger.Warn("ack after requeue failed", "recordId", rec.ID, "error", err)
	}

	q.logger.Debug("record requeued", "recordId", rec.ID, "retryCount", rec.RetryCount+1)
	return nil
}

// DeadLetter moves the record to the dead-letter stream and acknowledges
// the original claim.
func (q *JetStreamQueue) DeadLetter(ctx context.Context, rec *Record, reason string) error {
	if rec.Acked() {
		return errors.ErrAlreadyAcked
	}

	if err := q.publish(ctx, q.cfg.DLQSubject, rec.ID, rec.Payload, rec.RetryCount, rec.EnqueuedAt, reason); err != nil {
		return err
	}

	if err := rec.Ack(ctx); err != nil {
		q.logger.Warn("ack after dead-letter failed", "recordId", rec.ID, "error", err)
	}

	q.logger.Info("record dead-lettered",
		"recordId", rec.ID,
		"retryCount", rec.RetryCount,
		"reason", reason)
	return nil
}

// Stats reports current queue depths
func (q *JetStreamQueue) Stats(ctx context.Context) (Stats, error) {
	if q.stream == nil || q.dlq == nil {
		return Stats{}, errors.ErrNotStarted
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return Stats{}, errors.WrapTransient(err, "JetStreamQueue", "Stats", "read stream info")
	}
	dlqInfo, err := q.dlq.Info(ctx)
	if err != nil {
		return Stats{}, errors.WrapTransient(err, "JetStreamQueue", "Stats", "read DLQ info")
	}

	return Stats{
		Pending:    info.State.Msgs,
		DeadLetter: dlqInfo.State.Msgs,
	}, nil
}
