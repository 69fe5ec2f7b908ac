// Package notify decorates a job queue with enqueue notifications so
// out-of-process workers can be woken through a message broker.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scanengine/internal/queue"
	"github.com/JakeFAU/scanengine/internal/scan"
)

// EventEnqueued is the event name carried by every notification.
const EventEnqueued = "scan.enqueued"

// Message is the notification body.
type Message struct {
	Event      string       `json:"event"`
	ScanID     string       `json:"scan_id"`
	JobType    scan.JobType `json:"job_type"`
	Priority   string       `json:"priority"`
	RequestID  string       `json:"request_id,omitempty"`
	EnqueuedAt string       `json:"enqueued_at"`
}

// Attributes exposes routing fields as broker message attributes.
func (m Message) Attributes() map[string]string {
	return map[string]string{
		"event":    m.Event,
		"scan_id":  m.ScanID,
		"job_type": string(m.JobType),
		"priority": m.Priority,
	}
}

// Queue forwards to an inner queue and publishes a Message after every
// successful Enqueue. Publish failures are logged and never fail the enqueue.
type Queue struct {
	queue.Queue
	publisher scan.Publisher
	topic     string
	clock     scan.Clock
	logger    *zap.Logger
}

// Wrap decorates inner.
func Wrap(inner queue.Queue, publisher scan.Publisher, topic string, clock scan.Clock, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		Queue:     inner,
		publisher: publisher,
		topic:     topic,
		clock:     clock,
		logger:    logger,
	}
}

// Enqueue enqueues on the inner queue then publishes the notification.
func (q *Queue) Enqueue(ctx context.Context, jobType scan.JobType, payload scan.Payload, opts scan.EnqueueOptions) error {
	if err := q.Queue.Enqueue(ctx, jobType, payload, opts); err != nil {
		return err //nolint:wrapcheck // inner queue errors already carry scan.ErrQueueUnavailable
	}
	if q.publisher == nil {
		return nil
	}
	msg := Message{
		Event:      EventEnqueued,
		ScanID:     payload.ScanID,
		JobType:    jobType,
		Priority:   opts.Priority.String(),
		RequestID:  opts.RequestID,
		EnqueuedAt: q.clock.Now().Format(time.RFC3339),
	}
	id, err := q.publisher.Publish(ctx, q.topic, msg)
	if err != nil {
		q.logger.Warn("enqueue notification failed",
			zap.String("scan_id", payload.ScanID),
			zap.String("topic", q.topic),
			zap.Error(err),
		)
		return nil
	}
	q.logger.Debug("enqueue notification published",
		zap.String("scan_id", payload.ScanID),
		zap.String("message_id", id),
	)
	return nil
}
