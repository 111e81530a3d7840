package notify

import (
	"context"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// WorkerOptions configures the notification worker.
type WorkerOptions struct {
	Concurrency int
	Queue       string
}

// Worker consumes notification tasks from Redis.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

// NewWorker creates a Worker that dispatches tasks to h.
func NewWorker(redisOpt asynq.RedisConnOpt, opts WorkerOptions, h *Handler, logger *zap.Logger) *Worker {
	queue := opts.Queue
	if queue == "" {
		queue = "default"
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: opts.Concurrency,
		Queues:      map[string]int{queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Warn("notification task failed",
				zap.String("type", task.Type()),
				zap.Error(err),
			)
		}),
	})

	mux := asynq.NewServeMux()
	h.Register(mux)

	return &Worker{server: srv, mux: mux, logger: logger}
}

// Start runs the worker in the background.
func (w *Worker) Start() error {
	w.logger.Info("notification worker starting")
	return w.server.Start(w.mux)
}

// Shutdown stops the worker, waiting for in-flight tasks.
func (w *Worker) Shutdown() {
	w.logger.Info("notification worker stopping")
	w.server.Shutdown()
}
