package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/statsbot/internal/observability"
	"github.com/harun/statsbot/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrClosed is returned for tasks submitted to, or still queued in, a closed queue.
var ErrClosed = errors.New("command queue closed")

// Task is a unit of work run on a lane.
type Task func(ctx context.Context) (any, error)

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value any
	err   error
}

type laneState struct {
	concurrency int
	queue       []*taskRecord
	running     int
	mu          sync.Mutex
}

// Option configures a CommandQueue.
type Option func(*CommandQueue)

// WithLane declares a lane with a concurrency limit. Undeclared lanes run
// one task at a time.
func WithLane(name string, concurrency int) Option {
	return func(cq *CommandQueue) {
		cq.initLane(name, concurrency)
	}
}

// WithLogger sets the logger used for task lifecycle messages.
func WithLogger(logger zerolog.Logger) Option {
	return func(cq *CommandQueue) {
		cq.logger = logger
	}
}

// CommandQueue provides lane-based task serialization with concurrency control
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    zerolog.Logger
}

// New creates a CommandQueue.
func New(opts ...Option) *CommandQueue {
	observability.EnsureRegistered()

	cq := &CommandQueue{
		lanes:  make(map[string]*laneState),
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(cq)
	}
	return cq
}

func (cq *CommandQueue) initLane(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	if _, exists := cq.lanes[lane]; !exists {
		cq.lanes[lane] = &laneState{concurrency: concurrency}
	}
}

func (cq *CommandQueue) lane(name string) (*laneState, error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.closed {
		return nil, ErrClosed
	}
	cq.initLane(name, 1)
	return cq.lanes[name], nil
}

// EnqueueWithContext runs task on lane and waits for its result.
//
// The task receives a context that keeps ctx's values but not its
// cancellation. If ctx ends while the task is still queued the task is
// withdrawn; if it ends while the task runs, the caller gets ctx.Err() and
// the task finishes in the background.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"statsbot.commandqueue",
		"commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	ls, err := cq.lane(lane)
	if err != nil {
		return nil, err
	}

	cq.mu.Lock()
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        context.WithoutCancel(ctx),
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}

	cq.mu.RLock()
	if cq.closed {
		cq.mu.RUnlock()
		return nil, ErrClosed
	}
	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	cq.mu.RUnlock()

	logger := tracing.LoggerFromContext(ctx, cq.logger)
	logger.Debug().
		Str("lane", lane).
		Str("task_id", taskID).
		Int("queue_size", queueSize).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	cq.processLane(lane, ls)

	select {
	case result := <-record.result:
		if result.err != nil {
			span.RecordError(result.err)
			span.SetStatus(codes.Error, result.err.Error())
		}
		return result.value, result.err
	case <-ctx.Done():
		cq.withdraw(lane, ls, record)
		span.SetStatus(codes.Error, ctx.Err().Error())
		return nil, ctx.Err()
	}
}

// withdraw removes record from the lane if it has not started yet.
func (cq *CommandQueue) withdraw(lane string, ls *laneState, record *taskRecord) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			observability.SetQueueSize(lane, len(ls.queue))
			return
		}
	}
}

// processLane starts queued tasks while the lane has capacity.
func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		ls.running++
		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"statsbot.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, cq.logger)
	wait := time.Since(record.enqueuedAt)
	startTime := time.Now()

	value, err := cq.run(taskCtx, record.task)

	duration := time.Since(startTime)

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("wait", wait).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("wait", wait).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	cq.processLane(lane, ls)
}

// run converts a task panic into an error so one bad task cannot take the
// lane down with it.
func (cq *CommandQueue) run(ctx context.Context, task Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// Stats returns statistics for all lanes.
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = LaneStats{
			Queued:      len(ls.queue),
			Running:     ls.running,
			Concurrency: ls.concurrency,
		}
		ls.mu.Unlock()
	}

	return stats
}

// Close rejects queued tasks with ErrClosed and waits for running ones.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make(map[string]*laneState, len(cq.lanes))
	for name, ls := range cq.lanes {
		lanes[name] = ls
	}
	cq.mu.Unlock()

	for name, ls := range lanes {
		ls.mu.Lock()
		for _, record := range ls.queue {
			record.result <- taskResult{err: ErrClosed}
		}
		ls.queue = nil
		ls.mu.Unlock()
		observability.SetQueueSize(name, 0)
	}

	cq.wg.Wait()
	return nil
}
