package app

import (
	"context"
	"log/slog"

	"github.com/vectorgate/gateway/internal/backgroundsync"
)

// noopFineTuningService is the default FineTuningService: persistence
// and retrieval of fine-tuning jobs lives in an external system this
// gateway does not own. Until that collaborator is wired (via a real
// FineTuningService implementation), the poll loop runs and logs on
// schedule but observes no in-flight jobs.
type noopFineTuningService struct{}

func (noopFineTuningService) SyncAllJobsStatus(ctx context.Context) ([]backgroundsync.FineTuningJob, error) {
	return nil, nil
}

// logJobStatusSink records job status transitions via the server's
// structured logger. A real deployment would wire this to whatever
// repository owns fine-tuning job state.
type logJobStatusSink struct {
	logger *slog.Logger
}

func (s logJobStatusSink) UpdateJobStatus(ctx context.Context, job backgroundsync.FineTuningJob) error {
	s.logger.Info("fine-tuning job status",
		slog.String("job_id", job.ID),
		slog.String("model_id", job.ModelID),
		slog.String("status", job.Status),
	)
	return nil
}
