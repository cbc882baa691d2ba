package natsclient

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestConnectionStatusString(t *testing.T) {
	cases := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(99), "unknown"},
	}

	for _, tc := range cases {
		if got := tc.status.String(); got != tc.want {
			t.Errorf("status %d: got %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if c.URL() != "nats://localhost:4222" {
		t.Errorf("unexpected URL: %s", c.URL())
	}
	if c.Status() != StatusDisconnected {
		t.Errorf("new client should be disconnected, got %v", c.Status())
	}
	if c.IsHealthy() {
		t.Error("new client should not be healthy")
	}
	if c.maxReconnects != -1 {
		t.Errorf("default maxReconnects = %d, want -1", c.maxReconnects)
	}
	if c.circuitThreshold != 5 {
		t.Errorf("default circuitThreshold = %d, want 5", c.circuitThreshold)
	}
}

func TestNewClientOptions(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithMaxReconnects(10),
		WithReconnectWait(time.Second),
		WithPingInterval(15*time.Second),
		WithConnectTimeout(3*time.Second),
		WithDrainTimeout(10*time.Second),
		WithCircuitThreshold(3),
		WithMaxBackoff(30*time.Second),
		WithClientName("screening-worker"),
	)
	if err != nil {
		t.Fatalf("NewClient with options failed: %v", err)
	}

	if c.maxReconnects != 10 {
		t.Errorf("maxReconnects = %d, want 10", c.maxReconnects)
	}
	if c.circuitThreshold != 3 {
		t.Errorf("circuitThreshold = %d, want 3", c.circuitThreshold)
	}
	if c.clientName != "screening-worker" {
		t.Errorf("clientName = %q, want screening-worker", c.clientName)
	}
}

func TestNewClientInvalidOptions(t *testing.T) {
	cases := []struct {
		name string
		opt  ClientOption
	}{
		{"nil logger", WithLogger(nil)},
		{"negative reconnects", WithMaxReconnects(-2)},
		{"zero ping interval", WithPingInterval(0)},
		{"zero circuit threshold", WithCircuitThreshold(0)},
		{"empty token", WithToken("")},
		{"empty client name", WithClientName("")},
		{"empty credentials", WithCredentials("user", "")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewClient("nats://localhost:4222", tc.opt); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCircuitThreshold(3))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	c.recordFailure()
	c.recordFailure()
	if c.Status() == StatusCircuitOpen {
		t.Fatal("circuit opened before threshold")
	}

	c.recordFailure()
	if c.Status() != StatusCircuitOpen {
		t.Errorf("circuit should be open after 3 failures, got %v", c.Status())
	}

	if err := c.Connect(context.Background()); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Connect with open circuit: got %v, want ErrCircuitOpen", err)
	}
}

func TestResetCircuitClearsState(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCircuitThreshold(2))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	c.recordFailure()
	c.recordFailure()
	if c.Status() != StatusCircuitOpen {
		t.Fatal("circuit should be open")
	}

	c.resetCircuit()
	if c.Status() != StatusDisconnected {
		t.Errorf("after reset: got %v, want disconnected", c.Status())
	}
	if c.Failures() != 0 {
		t.Errorf("failures after reset = %d, want 0", c.Failures())
	}
}

func TestOperationsRequireConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ctx := context.Background()

	if err := c.Publish(ctx, "test.subject", []byte("data")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish: got %v, want ErrNotConnected", err)
	}
	if err := c.PublishToStream(ctx, "test.subject", []byte("data")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishToStream: got %v, want ErrNotConnected", err)
	}
	if _, err := c.RTT(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("RTT: got %v, want ErrNotConnected", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ctx := context.Background()
	if err := c.Close(ctx); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestIsAlreadyExistsError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"stream in use", errors.New("stream name already in use"), true},
		{"bucket in use", errors.New("bucket name already in use"), true},
		{"consumer in use", errors.New("consumer name already in use"), true},
		{"generic exists", errors.New("resource already exists"), true},
		{"unrelated", errors.New("connection refused"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isAlreadyExistsError(tc.err); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
