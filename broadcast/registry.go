// Package broadcast fans alert events out to connected monitoring clients
// over SSE and WebSocket. A single registry owns every connection; the
// transport handlers are non-owning views that drain a bounded per-client
// queue. A client that cannot keep up is evicted rather than allowed to
// stall the broadcast path.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
	"github.com/WOULDU-pres/sauron-backend-sub002/message"
)

// Config configures the registry
type Config struct {
	MaxConnections    int           `json:"maxConnections"`    // subscribe ceiling
	SendBuffer        int           `json:"sendBuffer"`        // per-client queued events
	HeartbeatInterval time.Duration `json:"heartbeatInterval"` // keepalive cadence
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		MaxConnections:    256,
		SendBuffer:        64,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.MaxConnections <= 0 || c.SendBuffer <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: max connections and send buffer must be positive", errors.ErrInvalidConfig),
			"Config", "Validate", "check sizes")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: heartbeat interval must be positive", errors.ErrInvalidConfig),
			"Config", "Validate", "check heartbeat")
	}
	return nil
}

// Connection is one subscribed client. Events are consumed from Events();
// the channel closes when the connection is closed from either side.
type Connection struct {
	ID        string
	AdminID   string
	Transport string
	CreatedAt time.Time
	Timeout   time.Duration

	lastActive atomic.Int64
	send       chan *message.AlertEvent
	done       chan struct{}
	closeOnce  sync.Once
	onClose    func()
}

// Events returns the client's event stream
func (c *Connection) Events() <-chan *message.AlertEvent {
	return c.send
}

// Done is closed when the connection is torn down
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Touch records consumer activity, deferring the idle timeout. Transport
// handlers call it after each successful write.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// idle reports whether the connection has outlived its timeout. Connections
// without a timeout never go idle.
func (c *Connection) idle(now time.Time) bool {
	if c.Timeout <= 0 {
		return false
	}
	return now.UnixNano()-c.lastActive.Load() > int64(c.Timeout)
}

// Close tears the connection down. Safe to call from any goroutine, any
// number of times; only the first call does work.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// deliver enqueues without blocking. A full queue or a closed connection
// reports failure so the registry can evict.
func (c *Connection) deliver(ev *message.AlertEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// Status is a point-in-time snapshot of the registry
type Status struct {
	Connections    int            `json:"connections"`
	MaxConnections int            `json:"maxConnections"`
	Delivered      uint64         `json:"delivered"`
	Dropped        uint64         `json:"dropped"`
	Evicted        uint64         `json:"evicted"`
	ClientIDs      []string       `json:"clientIds,omitempty"`
	ByAdmin        map[string]int `json:"byAdmin,omitempty"`
}

// Registry owns all live monitoring connections
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Connection

	delivered atomic.Uint64
	dropped   atomic.Uint64
	evicted   atomic.Uint64

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewRegistry creates a registry
func NewRegistry(cfg Config, logger *slog.Logger) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger.With("component", "broadcast"),
		clients: make(map[string]*Connection),
	}, nil
}

// Subscribe registers a new client. An empty clientID is derived from the
// admin ID; a timeout of zero disables idle eviction for the connection.
// Returns errors.ErrRegistryFull when the connection ceiling is reached; the
// ceiling is enforced under the lock so concurrent subscribers cannot
// overshoot it.
func (r *Registry) Subscribe(adminID, clientID, transport string, timeout time.Duration) (*Connection, error) {
	if clientID == "" {
		clientID = fmt.Sprintf("%s-%s", adminID, uuid.New().String()[:8])
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.clients) >= r.cfg.MaxConnections {
		return nil, errors.ErrRegistryFull
	}
	if _, exists := r.clients[clientID]; exists {
		clientID = fmt.Sprintf("%s-%s", clientID, uuid.New().String()[:8])
	}

	now := time.Now()
	conn := &Connection{
		ID:        clientID,
		AdminID:   adminID,
		Transport: transport,
		CreatedAt: now.UTC(),
		Timeout:   timeout,
		send:      make(chan *message.AlertEvent, r.cfg.SendBuffer),
		done:      make(chan struct{}),
	}
	conn.lastActive.Store(now.UnixNano())
	conn.onClose = func() { r.remove(conn.ID) }

	r.clients[conn.ID] = conn
	r.logger.Info("client subscribed",
		"clientId", conn.ID,
		"adminId", adminID,
		"transport", transport,
		"connections", len(r.clients))
	return conn, nil
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	_, ok := r.clients[id]
	delete(r.clients, id)
	remaining := len(r.clients)
	r.mu.Unlock()

	if ok {
		r.logger.Info("client removed", "clientId", id, "connections", remaining)
	}
}

// CloseClient closes a specific client. Returns errors.ErrClientNotFound
// for unknown IDs.
func (r *Registry) CloseClient(id string) error {
	r.mu.RLock()
	conn, ok := r.clients[id]
	r.mu.RUnlock()

	if !ok {
		return errors.ErrClientNotFound
	}
	conn.Close()
	return nil
}

// Broadcast delivers the event to every live client and returns how many
// received it. Clients with a full queue are evicted; an empty registry is
// a no-op, not an error.
func (r *Registry) Broadcast(ev *message.AlertEvent) int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.clients))
	for _, c := range r.clients {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if conn.deliver(ev) {
			delivered++
			continue
		}
		r.dropped.Add(1)
		r.evicted.Add(1)
		r.logger.Warn("evicting slow client", "clientId", conn.ID, "transport", conn.Transport)
		conn.Close()
	}

	r.delivered.Add(uint64(delivered))
	return delivered
}

// SendTest broadcasts a synthetic event so operators can verify fan-out
// end to end. Returns the number of clients reached.
func (r *Registry) SendTest(summary string) int {
	if summary == "" {
		summary = "connectivity check"
	}
	return r.Broadcast(message.NewTestEvent(summary))
}

// Len returns the current connection count
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Snapshot returns registry status including connected client IDs
func (r *Registry) Snapshot() Status {
	r.mu.RLock()
	ids := make([]string, 0, len(r.clients))
	byAdmin := make(map[string]int)
	for id, conn := range r.clients {
		ids = append(ids, id)
		byAdmin[conn.AdminID]++
	}
	r.mu.RUnlock()

	return Status{
		Connections:    len(ids),
		MaxConnections: r.cfg.MaxConnections,
		Delivered:      r.delivered.Load(),
		Dropped:        r.dropped.Load(),
		Evicted:        r.evicted.Load(),
		ClientIDs:      ids,
		ByAdmin:        byAdmin,
	}
}

// Start launches the heartbeat loop keeping idle transports alive
func (r *Registry) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.running {
		return errors.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.heartbeatLoop(runCtx)

	r.logger.Info("broadcast registry started",
		"maxConnections", r.cfg.MaxConnections,
		"heartbeatInterval", r.cfg.HeartbeatInterval)
	return nil
}

// Stop halts the heartbeat loop and closes every connection
func (r *Registry) Stop(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	if !r.running {
		r.lifecycleMu.Unlock()
		return errors.ErrNotStarted
	}
	r.running = false
	cancel := r.cancel
	done := r.done
	r.lifecycleMu.Unlock()

	cancel()

	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.clients))
	for _, c := range r.clients {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}

	select {
	case <-done:
		r.logger.Info("broadcast registry stopped")
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timed out after %v", timeout),
			"Registry", "Stop", "wait for heartbeat loop")
	}
}

func (r *Registry) heartbeatLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Broadcast(message.NewHeartbeatEvent())
			r.sweepIdle(time.Now())
		}
	}
}

// sweepIdle evicts connections whose timeout elapsed without consumer
// activity. Timeouts are cooperative; a blocked transport is never
// interrupted mid-write, it just finds its done channel closed.
func (r *Registry) sweepIdle(now time.Time) {
	r.mu.RLock()
	var stale []*Connection
	for _, conn := range r.clients {
		if conn.idle(now) {
			stale = append(stale, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range stale {
		r.evicted.Add(1)
		r.logger.Warn("evicting idle client",
			"clientId", conn.ID,
			"adminId", conn.AdminID,
			"timeout", conn.Timeout)
		conn.Close()
	}
}
