package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// TaskFailedHandler reports a failed scheduled task. Delivery is a structured
// log line; the payload is what sendNotifications enqueues.
func TaskFailedHandler(log *zap.Logger) JobHandler {
	log = log.Named("notifications")
	return func(ctx context.Context, job *Job) error {
		taskID, ok := job.Payload["task_id"]
		if !ok {
			return fmt.Errorf("task_failed job %s has no task_id", job.ID)
		}
		log.Warn("task failure notification",
			zap.Any("task_id", taskID),
			zap.Any("name", job.Payload["name"]),
			zap.Any("error_count", job.Payload["error_count"]),
			zap.String("job_id", job.ID),
		)
		return nil
	}
}
