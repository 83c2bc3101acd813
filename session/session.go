// Package session runs one subscriber or gateway connection: the subscription
// handshake, inbound message dispatch, outbound delivery and the paired
// heartbeat task.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/rtlstream/errors"
	"github.com/c360/rtlstream/liveness"
	"github.com/c360/rtlstream/protocol"
	"github.com/c360/rtlstream/registry"
	"github.com/c360/rtlstream/transport"
	"github.com/c360/rtlstream/zone"
)

// Disconnect reasons sent in EndStream and used as metric labels.
const (
	ReasonServerShutdown   = "server shutdown"
	ReasonEndRequested     = "end stream requested"
	ReasonNoSubjects       = "no subjects"
	ReasonNoZone           = "no zone"
	ReasonProtocolErrors   = "too many protocol errors"
	ReasonInvalidHeartbeat = "invalid heartbeat acknowledgement"
	ReasonTooFrequent      = "heartbeats too frequent"
	ReasonConnectionLost   = "connection lost"
	ReasonWriteFailed      = "write failed"
	ReasonInternal         = "internal error"
	ReasonContextDone      = "context done"
)

// Config controls per-session policy.
type Config struct {
	Liveness liveness.Config
	// MaxFrameRate is the sustained inbound frames per second. Zero disables limiting.
	MaxFrameRate float64
	FrameBurst   int
	// MaxProtocolErrors consecutive undecodable frames end the session.
	MaxProtocolErrors int
	// MaxPending bounds buffered partial messages.
	MaxPending int
	// Redirects maps zone ids to the port clients should use for them.
	Redirects map[int]int
}

// DefaultConfig returns the default session policy.
func DefaultConfig() Config {
	return Config{
		Liveness:          liveness.DefaultConfig(),
		MaxFrameRate:      200,
		FrameBurst:        400,
		MaxProtocolErrors: 10,
		MaxPending:        protocol.DefaultMaxPending,
	}
}

// Deps are the session's collaborators. Registry and Pipeline are required.
type Deps struct {
	Registry        *registry.Registry
	Pipeline        *Pipeline
	Zones           *zone.Manager
	Logger          *slog.Logger
	Metrics         *Metrics
	LivenessMetrics *liveness.Metrics
}

// Session is one connection. Create with New and drive with Run.
type Session struct {
	id   string
	kind Kind
	conn transport.Conn
	cfg  Config
	deps Deps

	logger  *slog.Logger
	monitor *liveness.Monitor
	decoder *protocol.Decoder
	limiter *rate.Limiter
	handle  registry.Handle

	state  atomic.Int32
	format atomic.Int32

	mu       sync.Mutex
	subjects map[string]bool // subject id -> full payload
	zoneID   int
	zone     *zone.Context

	// owned by the read loop
	protocolErrors int
	lastWarning    time.Time

	// closing is cancelled by Close and ends whatever Run is doing.
	closing   context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

var (
	_ registry.Subscriber = (*Session)(nil)
	_ liveness.Peer       = (*Session)(nil)
)

// New creates a session for conn in the Accepted state and registers it
// with the registry. The caller must Run or Close it.
func New(kind Kind, conn transport.Conn, cfg Config, deps Deps) *Session {
	if cfg.MaxProtocolErrors <= 0 {
		cfg.MaxProtocolErrors = DefaultConfig().MaxProtocolErrors
	}
	id := uuid.NewString()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "session")
	}
	logger = logger.With("session_id", id, "resource", string(kind), "remote_addr", conn.RemoteAddr())

	limit := rate.Inf
	if cfg.MaxFrameRate > 0 {
		limit = rate.Limit(cfg.MaxFrameRate)
	}
	burst := cfg.FrameBurst
	if burst <= 0 {
		burst = 1
	}

	s := &Session{
		id:       id,
		kind:     kind,
		conn:     conn,
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		decoder:  protocol.NewDecoder(conn.Stream(), cfg.MaxPending),
		limiter:  rate.NewLimiter(limit, burst),
		subjects: make(map[string]bool),
		done:     make(chan struct{}),
	}
	s.monitor = liveness.NewMonitor(cfg.Liveness, s, liveness.Deps{
		Logger:  logger,
		Metrics: deps.LivenessMetrics,
	})
	s.closing, s.cancel = context.WithCancel(context.Background())
	s.handle = deps.Registry.Register(s)
	s.state.Store(int32(StateAccepted))
	s.format.Store(int32(protocol.FormatJSON))
	deps.Metrics.opened(kind)
	return s
}

// ID implements registry.Subscriber.
func (s *Session) ID() string { return s.id }

// Kind returns the session's resource kind.
func (s *Session) Kind() Kind { return s.kind }

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session has fully closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason returns why the session closed, empty while it is open.
func (s *Session) Reason() string {
	select {
	case <-s.done:
		return s.reason
	default:
		return ""
	}
}

// Subjects returns the subscribed subject ids.
func (s *Session) Subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.subjects))
	for id := range s.subjects {
		ids = append(ids, id)
	}
	return ids
}

// Run serves the connection until it closes. Frames are read on a separate
// goroutine so heartbeat-driven closes take effect without waiting for input.
// Run returns ErrSessionClosed at once if the session was closed before it
// started or is already running.
func (s *Session) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateAccepted), int32(StateHandshaking)) {
		return errors.WrapInvalid(errors.ErrSessionClosed, "Session", "Run", "start session")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.closing, cancel)
	defer stop()

	s.logger.Info("session opened")

	var wg sync.WaitGroup
	frames := make(chan []byte)
	readErr := make(chan error, 1)

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readLoop(frames, readErr)
	}()
	go func() {
		defer wg.Done()
		if err := s.monitor.Run(ctx); errors.Is(err, errors.ErrLivenessViolation) {
			s.logger.Info("heartbeat timeout", "violations", s.monitor.Violations())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.Close(ReasonContextDone)
		case <-s.done:
		case err := <-readErr:
			s.logger.Debug("read ended", "error", err)
			s.Close(ReasonConnectionLost)
		case frame := <-frames:
			s.handleFrame(ctx, frame)
			continue
		}
		break
	}

	wg.Wait()
	s.logger.Info("session closed", "reason", s.reason)
	return nil
}

func (s *Session) readLoop(frames chan<- []byte, readErr chan<- error) {
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			readErr <- err
			return
		}
		if len(frame) == 0 {
			continue
		}
		select {
		case frames <- frame:
		case <-s.done:
			return
		}
	}
}

// handleFrame processes one inbound frame in arrival order. A panic while
// handling it closes the session.
func (s *Session) handleFrame(ctx context.Context, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("frame handling panicked", "panic", fmt.Sprint(r))
			s.Close(ReasonInternal)
		}
	}()

	if !s.limiter.Allow() {
		s.deps.Metrics.rateLimited()
		if now := time.Now(); now.Sub(s.lastWarning) >= time.Second {
			s.lastWarning = now
			_ = s.send(protocol.Warning{Reason: "rate limit exceeded, frames dropped"})
		}
		return
	}

	decoded, errs := s.decoder.Decode(frame)
	for _, err := range errs {
		s.deps.Metrics.protocolError("malformed")
		s.logger.Debug("undecodable frame", "error", err)
	}
	if len(decoded) > 0 {
		s.protocolErrors = 0
	} else if len(errs) > 0 {
		s.protocolErrors++
		if s.protocolErrors >= s.cfg.MaxProtocolErrors {
			s.Disconnect(ctx, ReasonProtocolErrors)
			return
		}
	}

	for _, d := range decoded {
		if s.State() >= StateClosing {
			return
		}
		s.format.Store(int32(d.Format))
		s.deps.Metrics.received(d.Message.Type(), d.Format.String())
		s.dispatch(ctx, d.Message)
	}
}

func (s *Session) dispatch(ctx context.Context, m protocol.Message) {
	switch msg := m.(type) {
	case protocol.Heartbeat:
		s.handleHeartbeat(ctx, msg)
	case protocol.Request:
		s.handleRequest(ctx, msg)
	case protocol.GISData:
		s.handlePosition(ctx, msg)
	case protocol.EndStream:
		s.Close(ReasonEndRequested)
	case protocol.Response:
		s.logger.Debug("ignoring response from peer", "reqid", msg.ReqID)
	default:
		s.deps.Metrics.protocolError("unrecognized")
		_ = s.send(protocol.Response{Kind: protocol.RequestKind(m.Type()), Msg: "unrecognized message type " + m.Type()})
	}
}

// handleHeartbeat treats a heartbeat as the acknowledgement while one is
// outstanding, and as a client ping otherwise.
func (s *Session) handleHeartbeat(ctx context.Context, hb protocol.Heartbeat) {
	if s.monitor.Awaiting() {
		if s.monitor.ValidateResponse(hb) == liveness.Invalid && s.monitor.ShouldDisconnect() {
			s.Disconnect(ctx, ReasonInvalidHeartbeat)
		}
		return
	}
	if s.monitor.TooFrequent() {
		if s.monitor.ShouldDisconnect() {
			s.Disconnect(ctx, ReasonTooFrequent)
		}
		return
	}
	_ = s.send(hb)
}

func (s *Session) handleRequest(ctx context.Context, req protocol.Request) {
	reply := func(msg string) {
		_ = s.send(protocol.Response{Kind: req.Kind, ReqID: req.ReqID, Msg: msg})
	}

	switch req.Kind {
	case protocol.KindBeginStream:
		s.beginStream(ctx, req, reply)
	case protocol.KindEndStream:
		reply("")
		s.Close(ReasonEndRequested)
	case protocol.KindAddTag, protocol.KindRemoveTag:
		if s.State() != StateStreaming {
			reply("stream not started")
			return
		}
		if len(req.Params) == 0 {
			reply("no subjects given")
			return
		}
		if req.Kind == protocol.KindAddTag {
			s.addSubjects(req.Params)
		} else {
			s.removeSubjects(req.SubjectIDs())
		}
		reply("")
	default:
		s.deps.Metrics.protocolError("unknown_request")
		reply(fmt.Sprintf("unknown request %q", req.Kind))
	}
}

func (s *Session) beginStream(ctx context.Context, req protocol.Request, reply func(string)) {
	switch s.kind {
	case KindTags:
		if len(req.Params) == 0 {
			reply("BeginStream requires at least one subject")
			s.Close(ReasonNoSubjects)
			return
		}
	case KindZone:
		if req.ZoneID == 0 {
			reply("BeginStream requires a zone id")
			s.Close(ReasonNoZone)
			return
		}
	}

	if req.ZoneID != 0 {
		if err := s.switchZone(ctx, req.ZoneID); err != nil {
			reply("zone unavailable")
			return
		}
	}

	reg := s.deps.Registry
	switch s.kind {
	case KindZone:
		_ = reg.Subscribe(registry.ZoneKey(req.ZoneID), s.handle)
	case KindAll:
		_ = reg.Subscribe(registry.TopicAll, s.handle)
		_ = reg.Subscribe(registry.TopicTriggers, s.handle)
	}
	s.addSubjects(req.Params)

	reply("")
	s.state.CompareAndSwap(int32(StateHandshaking), int32(StateStreaming))
	s.logger.Info("stream started", "subjects", len(req.Params), "zone_id", req.ZoneID)

	if port, ok := s.cfg.Redirects[req.ZoneID]; ok && req.ZoneID != 0 {
		_ = s.send(protocol.PortRedirect{Port: port, Zone: req.ZoneID})
	}
}

func (s *Session) addSubjects(params []protocol.Param) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range params {
		if p.ID == "" {
			continue
		}
		s.subjects[p.ID] = p.Data
		_ = s.deps.Registry.Subscribe(registry.TagKey(p.ID), s.handle)
	}
}

func (s *Session) removeSubjects(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.subjects, id)
		s.deps.Registry.Unsubscribe(registry.TagKey(id), s.handle)
	}
}

// switchZone moves the session's zone context to zoneID.
func (s *Session) switchZone(ctx context.Context, zoneID int) error {
	if s.deps.Zones == nil {
		return nil
	}
	s.mu.Lock()
	current := s.zoneID
	s.mu.Unlock()
	if current == zoneID {
		return nil
	}

	zc, err := s.deps.Zones.Acquire(ctx, zoneID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.zone != nil {
		s.deps.Zones.Release(s.zoneID)
	}
	s.zone = zc
	s.zoneID = zoneID
	s.mu.Unlock()
	return nil
}

func (s *Session) handlePosition(ctx context.Context, g protocol.GISData) {
	if s.State() == StateHandshaking {
		if s.kind != KindGateway {
			_ = s.send(protocol.Warning{Reason: "begin stream before sending positions"})
			return
		}
		s.state.CompareAndSwap(int32(StateHandshaking), int32(StateStreaming))
	}
	if g.ZoneID != 0 {
		if err := s.switchZone(ctx, g.ZoneID); err != nil {
			s.logger.Debug("zone switch failed", "zone_id", g.ZoneID, "error", err)
		}
	}

	s.mu.Lock()
	zc := s.zone
	s.mu.Unlock()
	s.deps.Pipeline.Process(ctx, zc, g)
}

// Deliver implements registry.Subscriber. Positions for subjects subscribed
// without the data flag lose their raw payload.
func (s *Session) Deliver(_ context.Context, m protocol.Message) error {
	if s.State() >= StateClosing {
		return errors.ErrSessionClosed
	}
	if g, ok := m.(protocol.GISData); ok && g.Data != "" {
		s.mu.Lock()
		full, subscribed := s.subjects[g.ID]
		s.mu.Unlock()
		if subscribed && !full {
			m = g.WithoutData()
		}
	}
	if err := s.send(m); err != nil {
		go s.Close(ReasonWriteFailed)
		return err
	}
	return nil
}

// SendHeartbeat implements liveness.Peer.
func (s *Session) SendHeartbeat(_ context.Context, hb protocol.Heartbeat) error {
	return s.send(hb)
}

// Disconnect implements liveness.Peer: a best-effort EndStream, then Close.
func (s *Session) Disconnect(_ context.Context, reason string) {
	if s.State() < StateClosing {
		_ = s.send(protocol.EndStream{Reason: reason})
	}
	s.Close(reason)
}

func (s *Session) send(m protocol.Message) error {
	codec := protocol.CodecFor(protocol.Format(s.format.Load()))
	frame, err := codec.Encode(m)
	if err != nil {
		return errors.Wrap(err, "Session", "send", "encode "+m.Type())
	}
	if err := s.conn.WriteFrame(frame); err != nil {
		return err
	}
	s.deps.Metrics.sent(m.Type())
	return nil
}

// Close tears the session down once: registry interests, heartbeat task,
// zone context and transport. Safe to call from any goroutine.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.reason = reason
		s.cancel()
		s.monitor.Stop()
		s.deps.Registry.Remove(s.handle)

		s.mu.Lock()
		if s.zone != nil && s.deps.Zones != nil {
			s.deps.Zones.Release(s.zoneID)
			s.zone = nil
		}
		s.mu.Unlock()

		if err := s.conn.Close(); err != nil {
			s.logger.Debug("transport close failed", "error", err)
		}
		s.deps.Metrics.closed(s.kind, reason)
		s.state.Store(int32(StateClosed))
		close(s.done)
	})
}
