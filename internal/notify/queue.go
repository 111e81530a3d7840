package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/pitabwire/solicitudes/internal/observability"
)

// Task types handled by the Worker.
const (
	TypeStateChange = "solicitudes:" + KindStateChange
	TypeNewRequest  = "solicitudes:" + KindNewRequest
)

// Enqueuer is the subset of *asynq.Client used by QueueNotifier.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// stateChangePayload is the queued form of a StateChange.
type stateChangePayload struct {
	StateChange
	Trace map[string]string `json:"trace,omitempty"`
}

// newRequestPayload is the queued form of a NewRequestNotice.
type newRequestPayload struct {
	NewRequestNotice
	Trace map[string]string `json:"trace,omitempty"`
}

// QueueOptions configures how tasks are enqueued.
type QueueOptions struct {
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

// QueueNotifier enqueues notifications on a Redis-backed asynq queue for the
// Worker to deliver.
type QueueNotifier struct {
	client Enqueuer
	opts   []asynq.Option
}

// NewQueueNotifier creates a QueueNotifier.
func NewQueueNotifier(client Enqueuer, qo QueueOptions) *QueueNotifier {
	var opts []asynq.Option
	if qo.Queue != "" {
		opts = append(opts, asynq.Queue(qo.Queue))
	}
	if qo.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(qo.MaxRetry))
	}
	if qo.Timeout > 0 {
		opts = append(opts, asynq.Timeout(qo.Timeout))
	}
	return &QueueNotifier{client: client, opts: opts}
}

// NotifyStateChange enqueues a state-change task.
func (n *QueueNotifier) NotifyStateChange(ctx context.Context, change StateChange) error {
	return n.enqueue(ctx, TypeStateChange, func(carrier map[string]string) any {
		return stateChangePayload{StateChange: change, Trace: carrier}
	})
}

// NotifyNewRequest enqueues a new-request task.
func (n *QueueNotifier) NotifyNewRequest(ctx context.Context, notice NewRequestNotice) error {
	return n.enqueue(ctx, TypeNewRequest, func(carrier map[string]string) any {
		return newRequestPayload{NewRequestNotice: notice, Trace: carrier}
	})
}

// enqueue builds the payload with the producer span's trace carrier so the
// worker continues the same trace.
func (n *QueueNotifier) enqueue(ctx context.Context, taskType string, build func(carrier map[string]string) any) (err error) {
	ctx, span, carrier := observability.StartProducerSpan(ctx, taskType)
	defer func() { observability.EndSpanWithError(span, err) }()

	data, err := json.Marshal(build(carrier))
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	if _, err := n.client.EnqueueContext(ctx, asynq.NewTask(taskType, data), n.opts...); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}
