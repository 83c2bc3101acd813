// Package history appends position reports to a history sink off the
// real-time path. Append never blocks: when the queue is full the record is
// dropped and logged.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/rtlstream/errors"
	"github.com/c360/rtlstream/metric"
	"github.com/c360/rtlstream/pkg/worker"
	"github.com/c360/rtlstream/store"
)

// Config sizes the writer.
type Config struct {
	Workers      int           `json:"workers" yaml:"workers"`
	QueueSize    int           `json:"queue_size" yaml:"queue_size"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns two workers, a 4096-record queue and a 2s write timeout.
func DefaultConfig() Config {
	return Config{
		Workers:      2,
		QueueSize:    4096,
		WriteTimeout: 2 * time.Second,
	}
}

// Writer is an asynchronous store.HistorySink front end.
type Writer struct {
	cfg    Config
	sink   store.HistorySink
	pool   *worker.Pool[store.PositionRecord]
	logger *slog.Logger
}

// NewWriter creates a writer over sink. Call Start before Append.
func NewWriter(cfg Config, sink store.HistorySink, logger *slog.Logger, registry *metric.MetricsRegistry) *Writer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if logger == nil {
		logger = slog.Default().With("component", "history")
	}
	w := &Writer{cfg: cfg, sink: sink, logger: logger}
	w.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, w.write,
		worker.WithMetricsRegistry[store.PositionRecord](registry, "rtlstream_history"))
	return w
}

// Start launches the workers.
func (w *Writer) Start(ctx context.Context) error {
	return errors.Wrap(w.pool.Start(ctx), "Writer", "Start", "start workers")
}

// Stop drains queued records within timeout.
func (w *Writer) Stop(timeout time.Duration) error {
	return errors.Wrap(w.pool.Stop(timeout), "Writer", "Stop", "drain queue")
}

// Append queues rec. It reports whether the record was accepted.
func (w *Writer) Append(rec store.PositionRecord) bool {
	if err := w.pool.Submit(rec); err != nil {
		w.logger.Warn("history record dropped", "subject_id", rec.SubjectID, "error", err)
		return false
	}
	return true
}

// Stats returns queue statistics.
func (w *Writer) Stats() worker.PoolStats {
	return w.pool.Stats()
}

func (w *Writer) write(ctx context.Context, rec store.PositionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()
	if err := w.sink.AppendPosition(ctx, rec); err != nil {
		w.logger.Warn("history append failed", "subject_id", rec.SubjectID, "error", err)
		return err
	}
	return nil
}
