package calllog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vnmchuo/copilot-gateway/internal/worker"
)

// Recorder is the gateway's view of the call log. Record never returns an
// error: a failed write is logged and counted, and the caller's outcome is
// left untouched.
type Recorder interface {
	Record(ctx context.Context, e *Entry)
}

const writeTimeout = 5 * time.Second

// SyncRecorder writes each entry before returning.
type SyncRecorder struct {
	store    Store
	logger   *slog.Logger
	failures prometheus.Counter
}

// NewSyncRecorder returns a recorder over store. failures may be nil.
func NewSyncRecorder(store Store, logger *slog.Logger, failures prometheus.Counter) *SyncRecorder {
	return &SyncRecorder{store: store, logger: logger, failures: failures}
}

func (r *SyncRecorder) Record(ctx context.Context, e *Entry) {
	// A cancelled request still gets its entry.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = errors.New("panic while writing call log")
				r.logger.Error("call log store panicked", "panic", p)
			}
		}()
		err = r.store.Append(ctx, e)
	}()

	if err != nil {
		if r.failures != nil {
			r.failures.Inc()
		}
		r.logger.Error("failed to write call log",
			"error", err,
			"tenant_id", e.TenantID,
			"use_case", e.UseCase,
			"provider", e.ProviderName,
			"status", e.Status,
		)
	}
}

// AsyncRecorder hands entries to a worker pool so that the write does not add
// to request latency. When the queue is full it falls back to a synchronous
// write rather than dropping the entry.
type AsyncRecorder struct {
	sync *SyncRecorder
	pool *worker.Pool
}

func NewAsyncRecorder(sync *SyncRecorder, pool *worker.Pool) *AsyncRecorder {
	return &AsyncRecorder{sync: sync, pool: pool}
}

func (r *AsyncRecorder) Record(ctx context.Context, e *Entry) {
	detached := context.WithoutCancel(ctx)
	err := r.pool.Enqueue(func(context.Context) {
		r.sync.Record(detached, e)
	})
	if err != nil {
		r.sync.logger.Warn("call log queue unavailable, writing inline", "error", err)
		r.sync.Record(ctx, e)
	}
}

// Shutdown waits for queued entries to be written.
func (r *AsyncRecorder) Shutdown(ctx context.Context) error {
	return r.pool.Shutdown(ctx)
}
