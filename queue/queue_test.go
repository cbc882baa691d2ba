package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
)

func TestRecordAckOnce(t *testing.T) {
	acks := 0
	rec := NewRecord("rec-1", []byte("payload"), time.Now(), 0, func(_ context.Context) error {
		acks++
		return nil
	})

	ctx := context.Background()

	if err := rec.Ack(ctx); err != nil {
		t.Fatalf("first ack failed: %v", err)
	}
	if !rec.Acked() {
		t.Error("record should report acked")
	}

	if err := rec.Ack(ctx); err != errors.ErrAlreadyAcked {
		t.Errorf("second ack: got %v, want ErrAlreadyAcked", err)
	}
	if acks != 1 {
		t.Errorf("underlying ack called %d times, want 1", acks)
	}
}

func TestRecordAckOnceConcurrent(t *testing.T) {
	var mu sync.Mutex
	acks := 0
	rec := NewRecord("rec-1", nil, time.Now(), 0, func(_ context.Context) error {
		mu.Lock()
		acks++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	successes := make(chan struct{}, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rec.Ack(context.Background()); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	won := 0
	for range successes {
		won++
	}
	if won != 1 {
		t.Errorf("%d goroutines acked successfully, want exactly 1", won)
	}
	if acks != 1 {
		t.Errorf("underlying ack called %d times, want 1", acks)
	}
}

func TestRecordNilAckFn(t *testing.T) {
	rec := NewRecord("rec-1", nil, time.Now(), 2, nil)
	if err := rec.Ack(context.Background()); err != nil {
		t.Errorf("ack with nil fn: %v", err)
	}
	if rec.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", rec.RetryCount)
	}
}

func TestRecordAge(t *testing.T) {
	rec := NewRecord("rec-1", nil, time.Now().Add(-time.Minute), 0, nil)
	if age := rec.Age(); age < 59*time.Second {
		t.Errorf("age = %v, want about a minute", age)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig()
	if err := valid.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty stream", func(c *Config) { c.StreamName = "" }},
		{"empty subject", func(c *Config) { c.Subject = "" }},
		{"empty dlq stream", func(c *Config) { c.DLQStreamName = "" }},
		{"empty dlq subject", func(c *Config) { c.DLQSubject = "" }},
		{"empty consumer group", func(c *Config) { c.ConsumerGroup = "" }},
		{"zero ack wait", func(c *Config) { c.AckWait = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestClaimBeforeInitialize(t *testing.T) {
	q := &JetStreamQueue{cfg: DefaultConfig()}
	if _, err := q.Claim(context.Background(), "worker-0", 10, time.Second); err != errors.ErrNotStarted {
		t.Errorf("got %v, want ErrNotStarted", err)
	}
	if _, err := q.Stats(context.Background()); err != errors.ErrNotStarted {
		t.Errorf("got %v, want ErrNotStarted", err)
	}
}
