// Package backgroundsync runs periodic tasks independent of the
// request path. Grounded on internal/app/server.go's
// pricingRefreshLoop/heartbeatLoop shape: a ticker plus a stop channel,
// started as a goroutine at process startup and stopped from Close.
package backgroundsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FineTuningJob is one in-progress or terminal fine-tuning job as
// reported by the external fine-tuning provider.
type FineTuningJob struct {
	ID         string
	ModelID    string
	Status     string // "pending" | "running" | "succeeded" | "failed" | "cancelled"
	UpdatedAt  time.Time
	ResultRef  string // e.g. the fine-tuned model id, once succeeded
}

// FineTuningService is the external port backgroundsync polls. Actual
// persistence of fine-tuning jobs is out of scope (stated as a
// repository port the gateway does not own); this port only reports
// current status for jobs still in flight.
type FineTuningService interface {
	SyncAllJobsStatus(ctx context.Context) ([]FineTuningJob, error)
}

// JobStatusSink receives status updates for jobs backgroundsync has
// observed. Call sites wire this to whatever repository ports fine-
// tuning job persistence, out of scope for this package itself.
type JobStatusSink interface {
	UpdateJobStatus(ctx context.Context, job FineTuningJob) error
}

// Syncer runs FineTuningService.SyncAllJobsStatus on a fixed interval
// (5 minutes per spec.md §4.7) until stopped. It is safe to call Stop
// exactly once; further ticks are suppressed once Stop returns.
type Syncer struct {
	service  FineTuningService
	sink     JobStatusSink
	interval time.Duration

	stop    chan struct{}
	done    chan struct{}
	stopped sync.Once
}

// NewSyncer creates a Syncer. interval <= 0 defaults to 5 minutes.
func NewSyncer(service FineTuningService, sink JobStatusSink, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Syncer{
		service:  service,
		sink:     sink,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the poll loop in its own goroutine. It is strictly
// out-of-band: a failed poll is logged and the loop continues on the
// next tick rather than terminating.
func (s *Syncer) Start() {
	go s.run()
}

func (s *Syncer) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.syncOnce()
	for {
		select {
		case <-ticker.C:
			s.syncOnce()
		case <-s.stop:
			return
		}
	}
}

func (s *Syncer) syncOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jobs, err := s.service.SyncAllJobsStatus(ctx)
	if err != nil {
		slog.Warn("backgroundsync: fine-tuning job poll failed", slog.String("error", err.Error()))
		return
	}
	for _, job := range jobs {
		if err := s.sink.UpdateJobStatus(ctx, job); err != nil {
			slog.Warn("backgroundsync: job status update failed",
				slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	}
}

// Stop cancels the poll loop and waits for the in-flight tick, if
// any, to finish.
func (s *Syncer) Stop() {
	s.stopped.Do(func() { close(s.stop) })
	<-s.done
}
