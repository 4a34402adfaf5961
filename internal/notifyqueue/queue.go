package notifyqueue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"grainwatch/internal/domain"
)

// ErrQueueFull is returned by LocalQueue when the buffer has no room.
var ErrQueueFull = errors.New("notify queue is full")

// ErrQueueClosed is returned when enqueueing after shutdown started.
var ErrQueueClosed = errors.New("notify queue is closed")

// Job is one outbound notification task in async delivery queue.
// Params: alert/action identity and rendered notification payload.
// Returns: queue unit consumed by delivery workers.
type Job struct {
	ID           string              `json:"id"`
	AlertID      string              `json:"alert_id"`
	TriggerID    string              `json:"trigger_id"`
	ActionIndex  int                 `json:"action_index"`
	Channel      domain.ActionType   `json:"channel"`
	Notification domain.Notification `json:"notification"`
	CreatedAt    time.Time           `json:"created_at"`
}

// Handler delivers one job; errors marked permanent are not retried by the queue.
type Handler func(ctx context.Context, job Job) error

// DLQReason identifies reason why notify job was moved to dead-letter queue.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable processing failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks retries exhausted by queue max deliver policy.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is dead-letter payload for notify queue failures.
// Params: original job, failure metadata, and delivery counters.
// Returns: persisted DLQ record.
type DLQEntry struct {
	Job           Job       `json:"job"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// BuildJobID creates deterministic id for one notification queue task.
// Params: alert id, action position within the trigger, and channel.
// Returns: stable SHA1-based id string, so a re-enqueued open notification dedups on the stream.
func BuildJobID(alertID string, actionIndex int, channel domain.ActionType) string {
	raw := fmt.Sprintf("%s|%d|%s", alertID, actionIndex, channel)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Producer enqueues notification delivery jobs.
// Params: context and queue job payload.
// Returns: enqueue error.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// Worker consumes queued jobs and acknowledges delivery status.
type Worker interface {
	Close() error
}

func errorString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
