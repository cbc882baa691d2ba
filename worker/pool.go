// Package worker runs the screening consumer group: claim a batch from the
// durable queue, analyze each record, persist the outcome, and either
// acknowledge, requeue for retry, or dead-letter. Delivery is at least
// once; the result store makes redelivered records idempotent.
package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/WOULDU-pres/sauron-backend-sub002/analysis"
	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
	"github.com/WOULDU-pres/sauron-backend-sub002/message"
	"github.com/WOULDU-pres/sauron-backend-sub002/queue"
	"github.com/WOULDU-pres/sauron-backend-sub002/store"
)

// AlertPublisher fans flagged outcomes out to monitoring clients. The NATS
// client satisfies this; tests substitute a recorder.
type AlertPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Config configures the worker pool
type Config struct {
	Workers       int           `json:"workers"`       // independent polling routines
	BatchSize     int           `json:"batchSize"`     // records claimed per fetch
	ClaimWait     time.Duration `json:"claimWait"`     // how long an empty claim blocks
	MaxRetries    int           `json:"maxRetries"`    // attempts before dead-lettering
	RetryBackoff  time.Duration `json:"retryBackoff"`  // pause before a failed record is requeued
	StatsInterval time.Duration `json:"statsInterval"` // cadence of the stats log line
	AlertSubject  string        `json:"alertSubject"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		BatchSize:     16,
		ClaimWait:     5 * time.Second,
		MaxRetries:    3,
		RetryBackoff:  5 * time.Second,
		StatsInterval: 30 * time.Second,
		AlertSubject:  "screening.alerts",
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: workers must be positive", errors.ErrInvalidConfig),
			"Config", "Validate", "check workers")
	}
	if c.BatchSize <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: batch size must be positive", errors.ErrInvalidConfig),
			"Config", "Validate", "check batch size")
	}
	if c.MaxRetries < 1 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: max retries must be at least 1", errors.ErrInvalidConfig),
			"Config", "Validate", "check max retries")
	}
	if c.ClaimWait <= 0 || c.RetryBackoff < 0 || c.StatsInterval <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: claim wait and stats interval must be positive, backoff non-negative", errors.ErrInvalidConfig),
			"Config", "Validate", "check durations")
	}
	if c.AlertSubject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"Config", "Validate", "check alert subject")
	}
	return nil
}

// Stats is a point-in-time snapshot of pool activity. Failed counts every
// failed attempt, whether it led to a retry or a dead letter.
type Stats struct {
	Processed    uint64 `json:"processed"`
	Failed       uint64 `json:"failed"`
	Flagged      uint64 `json:"flagged"`
	Retried      uint64 `json:"retried"`
	DeadLettered uint64 `json:"deadLettered"`
	Malformed    uint64 `json:"malformed"`
	Duplicates   uint64 `json:"duplicates"`
	Running      bool   `json:"running"`
	Workers      int    `json:"workers"`
}

// Pool is the screening worker pool
type Pool struct {
	cfg       Config
	queue     queue.Queue
	results   store.ResultStore
	analyzer  analysis.Analyzer
	publisher AlertPublisher
	logger    *slog.Logger

	processed    atomic.Uint64
	failed       atomic.Uint64
	flagged      atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	malformed    atomic.Uint64
	duplicates   atomic.Uint64

	wg sync.WaitGroup

	mu          sync.Mutex
	running     bool
	quit        chan struct{}
	claimCancel context.CancelFunc
}

// NewPool creates a worker pool
func NewPool(cfg Config, q queue.Queue, results store.ResultStore, analyzer analysis.Analyzer, publisher AlertPublisher, logger *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if q == nil || results == nil || analyzer == nil || publisher == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: queue, results, analyzer and publisher are required", errors.ErrInvalidConfig),
			"Pool", "NewPool", "check dependencies")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		cfg:       cfg,
		queue:     q,
		results:   results,
		analyzer:  analyzer,
		publisher: publisher,
		logger:    logger.With("component", "worker"),
	}, nil
}

// Start launches one claim loop per configured worker, each polling the
// group independently, plus the periodic stats reporter. Returns
// errors.ErrAlreadyStarted if the pool is already running.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.ErrAlreadyStarted
	}

	// Cancelling claimCtx only interrupts blocked claims; in-flight records
	// keep processing on the parent context through the stop grace period
	claimCtx, cancel := context.WithCancel(ctx)
	p.claimCancel = cancel
	p.quit = make(chan struct{})
	p.running = true

	for i := 0; i < p.cfg.Workers; i++ {
		name := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.workerLoop(claimCtx, ctx, p.quit, name)
	}
	p.wg.Add(1)
	go p.reportStats(ctx, p.quit)

	p.logger.Info("worker pool started",
		"workers", p.cfg.Workers,
		"batchSize", p.cfg.BatchSize,
		"maxRetries", p.cfg.MaxRetries)
	return nil
}

// Stop halts claiming and waits up to timeout for in-flight records to
// finish. Workers observe the stop between batches, never mid-record.
// Unfinished claims stay unacknowledged and redeliver to another instance.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return errors.ErrNotStarted
	}
	p.running = false
	close(p.quit)
	p.claimCancel()
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timed out after %v", timeout),
			"Pool", "Stop", "wait for workers")
	}
}

// Running reports whether the pool is active
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Snapshot returns current pool statistics
func (p *Pool) Snapshot() Stats {
	return Stats{
		Processed:    p.processed.Load(),
		Failed:       p.failed.Load(),
		Flagged:      p.flagged.Load(),
		Retried:      p.retried.Load(),
		DeadLettered: p.deadLettered.Load(),
		Malformed:    p.malformed.Load(),
		Duplicates:   p.duplicates.Load(),
		Running:      p.Running(),
		Workers:      p.cfg.Workers,
	}
}

// workerLoop is one group member: claim under its own consumer name,
// process the batch, repeat until stopped. Claims are interrupted on stop;
// records already claimed finish on procCtx.
func (p *Pool) workerLoop(claimCtx, procCtx context.Context, quit <-chan struct{}, name string) {
	defer p.wg.Done()

	for {
		select {
		case <-quit:
			return
		default:
		}

		records, err := p.queue.Claim(claimCtx, name, p.cfg.BatchSize, p.cfg.ClaimWait)
		if err != nil {
			if claimCtx.Err() != nil {
				return
			}
			p.logger.Warn("claim failed, backing off", "consumer", name, "error", err)
			select {
			case <-quit:
				return
			case <-claimCtx.Done():
				return
			case <-time.After(p.cfg.RetryBackoff):
			}
			continue
		}
		if len(records) == 0 {
			continue
		}

		p.processRecords(procCtx, records)
	}
}

func (p *Pool) processRecords(ctx context.Context, records []*queue.Record) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			p.process(gctx, rec)
			return nil
		})
	}
	// Workers never return errors; Wait only joins the batch
	_ = g.Wait()
}

// reportStats periodically logs a snapshot of the counters
func (p *Pool) reportStats(ctx context.Context, quit <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Snapshot()
			p.logger.Info("pool stats",
				"processed", s.Processed,
				"failed", s.Failed,
				"flagged", s.Flagged,
				"retried", s.Retried,
				"deadLettered", s.DeadLettered,
				"malformed", s.Malformed,
				"duplicates", s.Duplicates)
		}
	}
}

// ProcessBatch claims and processes one batch synchronously. Used by tests
// and by operators draining a stopped queue; the worker loops do the same.
func (p *Pool) ProcessBatch(ctx context.Context) (int, error) {
	records, err := p.queue.Claim(ctx, "operator", p.cfg.BatchSize, p.cfg.ClaimWait)
	if err != nil {
		return 0, err
	}

	p.processRecords(ctx, records)
	return len(records), nil
}

func (p *Pool) process(ctx context.Context, rec *queue.Record) {
	msg, err := message.ParseChatMessage(rec.Payload)
	if err != nil {
		// Malformed payloads can never succeed; drop them without retry
		p.malformed.Add(1)
		p.logger.Warn("dropping malformed record", "recordId", rec.ID, "error", err)
		if ackErr := rec.Ack(ctx); ackErr != nil && !stderrors.Is(ackErr, errors.ErrAlreadyAcked) {
			p.logger.Warn("ack of malformed record failed", "recordId", rec.ID, "error", ackErr)
		}
		return
	}

	if err := p.results.BeginProcessing(ctx, msg.ID, rec.RetryCount); err != nil {
		if stderrors.Is(err, errors.ErrAlreadyCompleted) {
			// Redelivery of a finished record; ack and move on
			p.duplicates.Add(1)
			p.logger.Debug("skipping already-completed record", "messageId", msg.ID)
			p.ack(ctx, rec)
			return
		}
		// State store trouble: leave unacked so the record redelivers
		p.logger.Warn("begin processing failed", "messageId", msg.ID, "error", err)
		return
	}

	outcome, err := p.analyzer.Analyze(ctx, msg)
	if err != nil {
		p.handleFailure(ctx, rec, msg, err)
		return
	}

	if err := p.results.Complete(ctx, msg.ID, outcome); err != nil {
		if stderrors.Is(err, errors.ErrAlreadyCompleted) {
			p.duplicates.Add(1)
			p.ack(ctx, rec)
			return
		}
		p.logger.Warn("persisting outcome failed", "messageId", msg.ID, "error", err)
		return
	}

	if outcome.Detected.Alertable() {
		p.publishAlert(ctx, msg, outcome)
	}

	p.processed.Add(1)
	p.ack(ctx, rec)
}

// handleFailure routes a failed analysis to retry or dead letter. The
// attempt that just failed is attempt retryCount+1; once MaxRetries
// attempts have failed the record is dead-lettered and never reprocessed.
func (p *Pool) handleFailure(ctx context.Context, rec *queue.Record, msg *message.ChatMessage, cause error) {
	attempt := rec.RetryCount + 1

	if stderrors.Is(cause, context.Canceled) && ctx.Err() != nil {
		// Shutdown, not a real failure; leave the claim for redelivery
		return
	}

	p.failed.Add(1)

	if errors.IsInvalid(cause) || attempt >= p.cfg.MaxRetries {
		reason := fmt.Sprintf("attempt %d/%d: %v", attempt, p.cfg.MaxRetries, cause)
		if err := p.results.DeadLetter(ctx, msg.ID, reason); err != nil && !stderrors.Is(err, errors.ErrAlreadyCompleted) {
			p.logger.Warn("recording dead letter state failed", "messageId", msg.ID, "error", err)
		}
		if err := p.queue.DeadLetter(ctx, rec, reason); err != nil {
			p.logger.Error("dead-lettering failed", "messageId", msg.ID, "error", err)
			return
		}
		p.deadLettered.Add(1)
		p.logger.Error("record dead-lettered",
			"messageId", msg.ID,
			"attempts", attempt,
			"error", cause)
		return
	}

	if err := p.results.Fail(ctx, msg.ID, attempt, cause.Error()); err != nil && !stderrors.Is(err, errors.ErrAlreadyCompleted) {
		p.logger.Warn("recording failure state failed", "messageId", msg.ID, "error", err)
	}

	if p.cfg.RetryBackoff <= 0 {
		p.requeue(ctx, rec, msg, attempt, cause)
		return
	}

	// The backoff must not occupy a claim slot; a dedicated goroutine holds
	// the record and requeues it once the pause elapses. If the pool stops
	// first the unacked claim redelivers after its ack wait.
	p.wg.Add(1)
	quit := p.quitChan()
	go func() {
		defer p.wg.Done()

		timer := time.NewTimer(p.cfg.RetryBackoff)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case <-timer.C:
		}
		p.requeue(ctx, rec, msg, attempt, cause)
	}()
}

func (p *Pool) requeue(ctx context.Context, rec *queue.Record, msg *message.ChatMessage, attempt int, cause error) {
	if err := p.queue.Requeue(ctx, rec); err != nil {
		p.logger.Warn("requeue failed, claim will redeliver", "messageId", msg.ID, "error", err)
		return
	}

	p.retried.Add(1)
	p.logger.Info("record requeued for retry",
		"messageId", msg.ID,
		"attempt", attempt,
		"maxRetries", p.cfg.MaxRetries,
		"error", cause)
}

// quitChan returns the stop channel of the current run; nil when the pool
// was never started, which never fires in a select.
func (p *Pool) quitChan() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quit
}

func (p *Pool) publishAlert(ctx context.Context, msg *message.ChatMessage, outcome *analysis.Outcome) {
	alert := message.NewAlertEvent(
		msg.ID, msg.RoomID, msg.UserID,
		string(outcome.Detected), outcome.Confidence, outcome.Reasoning)

	data, err := alert.Marshal()
	if err != nil {
		p.logger.Error("alert serialization failed", "messageId", msg.ID, "error", err)
		return
	}

	if err := p.publisher.Publish(ctx, p.cfg.AlertSubject, data); err != nil {
		// The outcome is already durable; clients can query it even when
		// live fan-out misses
		p.logger.Warn("alert publish failed", "messageId", msg.ID, "error", err)
		return
	}

	p.flagged.Add(1)
}

func (p *Pool) ack(ctx context.Context, rec *queue.Record) {
	if err := rec.Ack(ctx); err != nil && !stderrors.Is(err, errors.ErrAlreadyAcked) {
		p.logger.Warn("ack failed, record may redeliver", "recordId", rec.ID, "error", err)
	}
}
