// Package registry maps interest keys to live subscribers and fans
// messages out to them. Subscribers are stored once in an arena and
// referenced by Handle from the interest index, so the registry never holds
// back-pointers into session internals and removing a handle is the only
// cleanup needed when a session ends.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/rtlstream/errors"
	"github.com/c360/rtlstream/protocol"
)

// Well-known topic keys.
const (
	TopicAll      = "topic:all"
	TopicTriggers = "topic:triggers"
)

// TagKey is the interest key for one subject.
func TagKey(subjectID string) string { return "tag:" + subjectID }

// ZoneKey is the interest key for one zone.
func ZoneKey(zoneID int) string { return "zone:" + strconv.Itoa(zoneID) }

// Handle is an opaque subscriber reference.
type Handle uint64

// Subscriber receives fanned-out messages. Deliver must honor ctx or return
// within the registry's delivery timeout.
type Subscriber interface {
	ID() string
	Deliver(ctx context.Context, m protocol.Message) error
}

// Config controls fan-out.
type Config struct {
	DeliveryTimeout time.Duration `json:"delivery_timeout" yaml:"delivery_timeout"`
}

// DefaultConfig allows each delivery five seconds.
func DefaultConfig() Config {
	return Config{DeliveryTimeout: 5 * time.Second}
}

// Deps are optional collaborators.
type Deps struct {
	Logger  *slog.Logger
	Metrics *Metrics
}

// Registry is safe for concurrent use. Mutations take the write lock;
// Broadcast snapshots targets under the read lock and delivers outside it.
type Registry struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	mu          sync.RWMutex
	nextHandle  Handle
	subscribers map[Handle]Subscriber
	interests   map[string]map[Handle]struct{}
	byHandle    map[Handle]map[string]struct{}
}

// New creates an empty registry.
func New(cfg Config, deps Deps) *Registry {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultConfig().DeliveryTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "registry")
	}
	return &Registry{
		cfg:         cfg,
		logger:      logger,
		metrics:     deps.Metrics,
		subscribers: make(map[Handle]Subscriber),
		interests:   make(map[string]map[Handle]struct{}),
		byHandle:    make(map[Handle]map[string]struct{}),
	}
}

// Register adds a subscriber to the arena. It receives nothing until it
// subscribes to at least one key.
func (r *Registry) Register(s Subscriber) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextHandle++
	h := r.nextHandle
	r.subscribers[h] = s
	r.byHandle[h] = make(map[string]struct{})
	r.metrics.setSizes(len(r.subscribers), len(r.interests))
	return h
}

// Remove drops the subscriber and every interest it holds. Safe to call
// more than once.
func (r *Registry) Remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(h)
}

func (r *Registry) removeLocked(h Handle) bool {
	keys, ok := r.byHandle[h]
	if !ok {
		return false
	}
	for key := range keys {
		r.dropInterest(key, h)
	}
	delete(r.byHandle, h)
	delete(r.subscribers, h)
	r.metrics.setSizes(len(r.subscribers), len(r.interests))
	return true
}

func (r *Registry) dropInterest(key string, h Handle) {
	set, ok := r.interests[key]
	if !ok {
		return
	}
	delete(set, h)
	if len(set) == 0 {
		delete(r.interests, key)
	}
}

// Subscribe adds h to key. Subscribing twice is a no-op.
func (r *Registry) Subscribe(key string, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, ok := r.byHandle[h]
	if !ok {
		return errors.WrapInvalid(errors.ErrSubscriberGone, "Registry", "Subscribe", "look up handle")
	}
	set, ok := r.interests[key]
	if !ok {
		set = make(map[Handle]struct{})
		r.interests[key] = set
	}
	set[h] = struct{}{}
	keys[key] = struct{}{}
	r.metrics.setSizes(len(r.subscribers), len(r.interests))
	return nil
}

// Unsubscribe removes h from key. The key disappears once it has no subscribers.
func (r *Registry) Unsubscribe(key string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if keys, ok := r.byHandle[h]; ok {
		delete(keys, key)
	}
	r.dropInterest(key, h)
	r.metrics.setSizes(len(r.subscribers), len(r.interests))
}

// Interests returns the keys h is subscribed to.
func (r *Registry) Interests(h Handle) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.byHandle[h]))
	for k := range r.byHandle[h] {
		keys = append(keys, k)
	}
	return keys
}

// Count returns the number of subscribers under key.
func (r *Registry) Count(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.interests[key])
}

// Size returns the number of registered subscribers and live interest keys.
func (r *Registry) Size() (subscribers, keys int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers), len(r.interests)
}

// Subscribers returns a snapshot of every registered subscriber.
func (r *Registry) Subscribers() []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscriber, 0, len(r.subscribers))
	for _, s := range r.subscribers {
		out = append(out, s)
	}
	return out
}

type target struct {
	handle Handle
	sub    Subscriber
}

func (r *Registry) snapshot(keys []string) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[Handle]struct{})
	var targets []target
	for _, key := range keys {
		for h := range r.interests[key] {
			if _, dup := seen[h]; dup {
				continue
			}
			seen[h] = struct{}{}
			targets = append(targets, target{handle: h, sub: r.subscribers[h]})
		}
	}
	return targets
}

// Broadcast delivers m to every subscriber of key and returns how many
// deliveries succeeded. A subscriber whose delivery fails or times out is
// removed; the others still receive the message.
func (r *Registry) Broadcast(ctx context.Context, key string, m protocol.Message) int {
	return r.fanOut(ctx, []string{key}, m)
}

// BroadcastAll delivers m once to each subscriber of any of keys.
func (r *Registry) BroadcastAll(ctx context.Context, keys []string, m protocol.Message) int {
	return r.fanOut(ctx, keys, m)
}

// RoutePositionUpdate delivers a position to the subject's tag key, its
// zone key when the report names a zone, and the firehose topic. Each
// subscriber receives it at most once.
func (r *Registry) RoutePositionUpdate(ctx context.Context, g protocol.GISData) int {
	keys := []string{TagKey(g.ID), TopicAll}
	if g.ZoneID != 0 {
		keys = append(keys, ZoneKey(g.ZoneID))
	}
	return r.fanOut(ctx, keys, g)
}

// RouteTriggerEvent delivers a trigger event to the zone, the subject and
// the trigger topic.
func (r *Registry) RouteTriggerEvent(ctx context.Context, ev protocol.TriggerEvent) int {
	keys := []string{TagKey(ev.SubjectID), TopicTriggers}
	if ev.ZoneID != 0 {
		keys = append(keys, ZoneKey(ev.ZoneID))
	}
	return r.fanOut(ctx, keys, ev)
}

func (r *Registry) fanOut(ctx context.Context, keys []string, m protocol.Message) int {
	targets := r.snapshot(keys)
	if len(targets) == 0 {
		return 0
	}
	start := time.Now()

	var delivered atomic.Int64
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			if err := r.deliver(ctx, t.sub, m); err != nil {
				r.metrics.recordFailure()
				r.logger.Warn("delivery failed, removing subscriber",
					"subscriber_id", t.sub.ID(),
					"message_type", m.Type(),
					"error", err)
				r.Remove(t.handle)
				return
			}
			delivered.Add(1)
		}(t)
	}
	wg.Wait()

	n := int(delivered.Load())
	r.metrics.recordBroadcast(n, time.Since(start))
	return n
}

// deliver bounds one delivery by the configured timeout even when the
// subscriber ignores ctx. The producer's cancellation does not reach the
// subscriber: only the subscriber's own failure, timeout or panic counts
// against it.
func (r *Registry) deliver(ctx context.Context, s Subscriber, m protocol.Message) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.DeliveryTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.metrics.recordPanic()
				errCh <- errors.WrapFatal(fmt.Errorf("%w: panic: %v", errors.ErrSubscriberGone, p),
					"Registry", "deliver", "deliver to "+s.ID())
			}
		}()
		errCh <- s.Deliver(sendCtx, m)
	}()

	select {
	case err := <-errCh:
		return err
	case <-sendCtx.Done():
		return errors.WrapTransient(sendCtx.Err(), "Registry", "deliver", "deliver to "+s.ID())
	}
}
