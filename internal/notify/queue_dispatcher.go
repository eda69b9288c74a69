package notify

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-roles-api/pkg/jobs"
)

// QueueDispatcher pushes notifications onto an in-process worker queue so
// that delivery happens off the request path with bounded retries.
type QueueDispatcher struct {
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewQueueDispatcher builds a dispatcher backed by a jobs queue that hands
// payloads to the given sender.
func NewQueueDispatcher(sender Sender, logger *zap.Logger) *QueueDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := func(ctx context.Context, job jobs.Job) error {
		n, ok := job.Payload.(Notification)
		if !ok {
			logger.Error("notification job with unexpected payload", zap.String("job_id", job.ID))
			return nil
		}
		return sender.Deliver(ctx, n)
	}
	queue := jobs.NewQueue("notifications", handler, jobs.QueueConfig{
		Workers:    2,
		MaxRetries: 3,
		Logger:     logger,
	})
	return &QueueDispatcher{queue: queue, logger: logger}
}

// Start begins delivery workers.
func (d *QueueDispatcher) Start(ctx context.Context) {
	d.queue.Start(ctx)
}

// Stop drains the workers.
func (d *QueueDispatcher) Stop() {
	d.queue.Stop()
}

// Send enqueues the notification. Enqueue failures are logged and swallowed;
// notifications are best-effort side effects.
func (d *QueueDispatcher) Send(_ context.Context, n Notification) {
	job := jobs.Job{
		ID:      uuid.NewString(),
		Type:    n.Type,
		Payload: n,
	}
	if err := d.queue.Enqueue(job); err != nil {
		d.logger.Warn("failed to enqueue notification",
			zap.String("user_id", n.UserID),
			zap.String("type", n.Type),
			zap.Error(err),
		)
	}
}
