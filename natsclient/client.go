// Package natsclient manages the NATS connection used for position ingest,
// trigger notifications and the history stream. Connection failures feed a
// circuit breaker so callers fail fast while the bus is down.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/rtlstream/errors"
	"github.com/c360/rtlstream/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = errors.ErrCircuitOpen
)

// Status holds runtime status information for /healthz
type Status struct {
	Status          string        `json:"status"`
	FailureCount    int32         `json:"failure_count"`
	LastFailureTime time.Time     `json:"last_failure_time,omitempty"`
	Reconnects      int32         `json:"reconnects"`
	RTT             time.Duration `json:"rtt_ns,omitempty"`
}

// Client manages a NATS connection with a circuit breaker
type Client struct {
	url     string
	status  atomic.Value // ConnectionStatus
	logger  *slog.Logger
	metrics *metric.Metrics

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	failures         atomic.Int32
	reconnects       atomic.Int32
	lastFailure      atomic.Value // time.Time
	backoff          atomic.Value // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	username string
	password string
	token    string

	clientName string

	onHealthChange func(bool)

	mu     sync.RWMutex
	closed atomic.Bool
}

// NewClient creates a client. Nothing is dialed until Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     10 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "natsclient")
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return c.status.Load().(ConnectionStatus)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	c.metrics.RecordNATSStatus(status == StatusConnected)
	if c.metrics != nil {
		if status == StatusCircuitOpen {
			c.metrics.NATSCircuitBreaker.Set(1)
		} else {
			c.metrics.NATSCircuitBreaker.Set(0)
		}
	}
}

// IsHealthy returns true if the connection is usable
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the failure count since the last success
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the current circuit backoff
func (c *Client) Backoff() time.Duration {
	return c.backoff.Load().(time.Duration)
}

// recordFailure counts a failure and opens the circuit at the threshold.
func (c *Client) recordFailure() {
	c.failures.Add(1)
	c.lastFailure.Store(time.Now())

	if c.circuitFailures.Add(1) < c.circuitThreshold {
		return
	}

	current := c.Status()
	backoff := c.Backoff()
	next := backoff * 2
	if next > c.maxBackoff {
		next = c.maxBackoff
	}
	c.backoff.Store(next)
	c.circuitFailures.Store(0)

	if current == StatusCircuitOpen {
		c.logger.Warn("circuit breaker still open", "backoff", next)
		return
	}
	if c.status.CompareAndSwap(current, StatusCircuitOpen) {
		c.setStatus(StatusCircuitOpen)
		c.logger.Warn("circuit breaker opened", "failures", c.failures.Load(), "backoff", backoff)
		time.AfterFunc(backoff, c.halfOpen)
	}
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// halfOpen lets the next Connect attempt through after the backoff.
func (c *Client) halfOpen() {
	if c.Status() == StatusCircuitOpen {
		c.logger.Debug("circuit breaker half-open")
		c.setStatus(StatusDisconnected)
	}
}

// WaitForConnection blocks until the client is connected or ctx ends
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(errors.Join(errors.ErrConnectionTimeout, ctx.Err()),
				"Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
		}
	}
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

// GetStatus returns a snapshot for health reporting
func (c *Client) GetStatus() Status {
	s := Status{
		Status:          c.Status().String(),
		FailureCount:    c.failures.Load(),
		LastFailureTime: c.lastFailure.Load().(time.Time),
		Reconnects:      c.reconnects.Load(),
	}
	if rtt, err := c.RTT(); err == nil {
		s.RTT = rtt
	}
	return s
}

// Connect dials the server. It fails fast with ErrCircuitOpen while the
// breaker is open.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("connecting to NATS", "url", c.url)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		done <- result{conn: conn, err: err}
	}()

	var conn *nats.Conn
	select {
	case r := <-done:
		if r.err != nil {
			c.recordFailure()
			if c.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}
			c.setStatus(StatusDisconnected)
			return errors.WrapTransient(r.err, "Client", "Connect", "establish connection")
		}
		conn = r.conn
	case <-ctx.Done():
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		// A late dial still has to be closed.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		c.logger.Warn("JetStream unavailable", "error", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("connected to NATS", "url", c.url)
	c.notifyHealth(true)
	return nil
}

// Close drains the connection within the drain timeout or ctx deadline.
func (c *Client) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drained := make(chan error, 1)
		conn := c.conn
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(fmt.Errorf("drain timeout after %v", drainTimeout),
				"Client", "Close", "drain connection"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain connection"))
		}

		conn.Close()
		c.conn = nil
		c.js = nil
	}

	c.username, c.password, c.token = "", "", ""
	c.setStatus(StatusDisconnected)
	return errors.Join(errs...)
}

// RTT returns the round-trip time to the server
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Subscribe delivers each message on subject to handler with a context
// derived from ctx and bounded to 30 seconds.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}

	c.subs = append(c.subs, sub)
	return nil
}

// Publish sends data on subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "Publish", "publish "+subject)
	}
	return nil
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// EnsureStream creates the stream or returns the existing one
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	if c.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateStream(ctx, cfg)
	if err != nil && isAlreadyExistsError(err) {
		stream, err = js.Stream(ctx, cfg.Name)
	}
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", "create stream "+cfg.Name)
	}

	c.resetCircuit()
	return stream, nil
}

// PublishToStream publishes and waits for the stream ack
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	if c.Status() != StatusConnected {
		return ErrNotConnected
	}

	js, err := c.JetStream()
	if err != nil {
		return err
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "PublishToStream", "publish "+subject)
	}
	return nil
}

func (c *Client) notifyHealth(healthy bool) {
	c.mu.RLock()
	fn := c.onHealthChange
	c.mu.RUnlock()
	if fn != nil {
		go fn(healthy)
	}
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.logger.Warn("NATS disconnected", "error", err)
	c.notifyHealth(false)
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.reconnects.Add(1)
	if c.metrics != nil {
		c.metrics.NATSReconnects.Inc()
	}
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("NATS reconnected")
	c.notifyHealth(true)
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
	c.notifyHealth(false)
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Error("NATS error", "error", err)
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "already in use") || strings.Contains(s, "already exists")
}
