// Package worker provides a bounded generic worker pool. Submit never blocks:
// when the queue is full the item is dropped and counted.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/rtlstream/metric"
)

// Pool processes items of type T on a fixed number of goroutines
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	queue   chan T
	wg      sync.WaitGroup
	metrics *poolMetrics

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	registry *metric.MetricsRegistry
	prefix   string
}

type poolMetrics struct {
	queueDepth prometheus.Gauge
	items      *prometheus.CounterVec
	duration   prometheus.Histogram
}

// Option configures a Pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers queue depth, item outcome and latency metrics under prefix
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.prefix = prefix
	}
}

// NewPool creates a pool. Non-positive sizes fall back to 4 workers and a queue of 1024.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if processor == nil {
		panic(ErrNilProcessor)
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		queue:     make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry != nil && p.prefix != "" {
		p.metrics = newPoolMetrics(p.registry, p.prefix)
	}
	return p
}

func newPoolMetrics(registry *metric.MetricsRegistry, prefix string) *poolMetrics {
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Items waiting in the worker queue",
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_items_total",
			Help: "Work items by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_processing_duration_seconds",
			Help:    "Time spent processing one item",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
	// Registration errors mean another pool already owns the prefix; the
	// collectors still work, they are just not scraped twice.
	_ = registry.RegisterGauge("worker_pool", prefix+"_queue_depth", m.queueDepth)
	_ = registry.RegisterCounterVec("worker_pool", prefix+"_items_total", m.items)
	_ = registry.RegisterHistogram("worker_pool", prefix+"_processing_duration_seconds", m.duration)
	return m
}

// Start launches the workers. They exit when ctx ends or Stop is called.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	p.started = true
	return nil
}

// Submit enqueues an item without blocking
func (p *Pool[T]) Submit(item T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queue <- item:
		p.submitted.Add(1)
		p.observe("submitted")
		return nil
	default:
		p.dropped.Add(1)
		p.observe("dropped")
		return ErrQueueFull
	}
}

// Stop closes the queue and waits up to timeout for queued items to drain
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true
	close(p.queue)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

func (p *Pool[T]) work(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			start := time.Now()
			err := p.processor(ctx, item)

			p.processed.Add(1)
			outcome := "processed"
			if err != nil {
				p.failed.Add(1)
				outcome = "failed"
			}
			if p.metrics != nil {
				p.metrics.duration.Observe(time.Since(start).Seconds())
			}
			p.observe(outcome)
		}
	}
}

func (p *Pool[T]) observe(outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.items.WithLabelValues(outcome).Inc()
	p.metrics.queueDepth.Set(float64(len(p.queue)))
}

// PoolStats is a snapshot of pool counters
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}
