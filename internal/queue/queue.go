// Package queue runs per-user tasks strictly in submission order while letting
// different users proceed concurrently.
package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	apperrors "whatsbot/internal/errors"
	"whatsbot/internal/metrics"
	"whatsbot/internal/privacy"
	"whatsbot/internal/tracing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrNilTask     = apperrors.New(apperrors.ErrCodeInvalidTask, "task must not be nil")
	ErrQueueClosed = apperrors.New(apperrors.ErrCodeQueueClosed, "queue is closed")
)

// Task is one unit of per-user work.
type Task func(ctx context.Context) error

// Recorder receives the wall-clock time each task took.
type Recorder interface {
	Record(userID, authRef string, kind metrics.TimingKind, d time.Duration)
}

// AuthRefResolver maps a user to the account that owns it, for metric attribution.
type AuthRefResolver func(userID string) (string, bool)

type entry struct {
	id   string
	task Task
}

// TaskQueue keeps one FIFO per user. A drain goroutine is started when a
// user's queue goes from empty to non-empty and exits when it empties again,
// removing the user's entry so the next Enqueue starts a fresh drain.
type TaskQueue struct {
	mu       sync.Mutex
	queues   map[string][]entry
	active   map[string]bool
	running  map[string]string
	closed   bool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	timeout  time.Duration
	recorder Recorder
	resolve  AuthRefResolver
	logger   *logrus.Logger

	// afterTask runs between tasks with no lock held; tests use it to hit
	// the gap between one task finishing and the next starting.
	afterTask func(userID string)
}

// Options configures a TaskQueue.
type Options struct {
	// TaskTimeout bounds each task; zero means no limit.
	TaskTimeout time.Duration
	Recorder    Recorder
	Resolver    AuthRefResolver
}

func New(opts Options, logger *logrus.Logger) *TaskQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskQueue{
		queues:   make(map[string][]entry),
		active:   make(map[string]bool),
		running:  make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
		timeout:  opts.TaskTimeout,
		recorder: opts.Recorder,
		resolve:  opts.Resolver,
		logger:   logger,
	}
}

// Enqueue appends task to userID's queue and returns its task id.
func (q *TaskQueue) Enqueue(userID string, task Task) (string, error) {
	if task == nil {
		q.logger.WithField("user_id", privacy.MaskUserID(userID)).Error("Rejected nil task")
		return "", ErrNilTask
	}

	e := entry{id: uuid.New().String(), task: task}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	q.queues[userID] = append(q.queues[userID], e)
	if !q.active[userID] {
		q.active[userID] = true
		q.wg.Add(1)
		go q.drain(userID)
	}
	return e.id, nil
}

func (q *TaskQueue) drain(userID string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		pending := q.queues[userID]
		if len(pending) == 0 {
			delete(q.queues, userID)
			delete(q.active, userID)
			q.mu.Unlock()
			return
		}
		head := pending[0]
		q.running[userID] = head.id
		q.mu.Unlock()

		q.execute(userID, head)

		q.mu.Lock()
		delete(q.running, userID)
		if rest := q.queues[userID]; len(rest) > 0 && rest[0].id == head.id {
			rest[0] = entry{}
			q.queues[userID] = rest[1:]
		}
		q.mu.Unlock()

		if q.afterTask != nil {
			q.afterTask(userID)
		}
	}
}

func (q *TaskQueue) execute(userID string, e entry) {
	ctx := q.ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	ctx, span := tracing.StartSpan(ctx, "queue.task",
		attribute.String("user_id", privacy.MaskUserID(userID)),
		attribute.String("task_id", e.id),
	)
	defer span.End()

	start := time.Now()
	err := runSafely(ctx, e.task)
	elapsed := time.Since(start)

	fields := logrus.Fields{
		"user_id":     privacy.MaskUserID(userID),
		"task_id":     e.id,
		"duration_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		q.logger.WithError(err).WithFields(fields).Error("Queued task failed")
	} else {
		q.logger.WithFields(fields).Debug("Queued task completed")
	}

	q.report(userID, elapsed)
}

func (q *TaskQueue) report(userID string, elapsed time.Duration) {
	if q.recorder == nil {
		return
	}
	var authRef string
	if q.resolve != nil {
		authRef, _ = q.resolve(userID)
	}
	if authRef == "" {
		q.logger.WithField("user_id", privacy.MaskUserID(userID)).Error("No auth reference for user, skipping queue metric")
		return
	}
	q.recorder.Record(userID, authRef, metrics.QueueProcessingTime, elapsed)
}

func runSafely(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return task(ctx)
}

// Pending returns how many tasks are queued for userID, including a running one.
func (q *TaskQueue) Pending(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[userID])
}

// Active reports whether a drain is running for userID.
func (q *TaskQueue) Active(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active[userID]
}

// Forget drops every task for userID that has not started yet and returns
// how many were dropped. A running task is left to finish.
func (q *TaskQueue) Forget(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.queues[userID]
	runningID, running := q.running[userID]
	kept := make([]entry, 0, 1)
	for _, e := range pending {
		if running && e.id == runningID {
			kept = append(kept, e)
		}
	}
	dropped := len(pending) - len(kept)
	if dropped > 0 {
		q.queues[userID] = kept
	}
	return dropped
}

// Close stops accepting tasks and waits for running drains to finish or ctx to
// expire. Running tasks see their context cancelled only when ctx expires.
func (q *TaskQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return apperrors.NewTimeoutError("queue shutdown", ctx.Err().Error())
	}
}
