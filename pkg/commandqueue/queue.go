package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/harun/dosug/internal/observability"
	"github.com/harun/dosug/internal/tracing"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrClosed    = errors.New("command queue is closed")
	ErrLaneFull  = errors.New("lane is full")
	ErrDuplicate = errors.New("duplicate request")
)

const (
	defaultMaxPending = 64
	defaultDedupSize  = 1024
	defaultDedupTTL   = 5 * time.Minute
)

// Task is a unit of work run inside a lane.
type Task func(ctx context.Context) error

// TaskOptions tunes a single task.
type TaskOptions struct {
	// RequestID makes the task idempotent: a second task with the same id
	// within the dedup window is rejected with ErrDuplicate.
	RequestID string
	// WarnAfter logs a warning when the task waits longer than this.
	WarnAfter time.Duration
	// OnWait is called when the WarnAfter threshold passes while the task
	// is still queued.
	OnWait func(wait time.Duration, queuePos int)
}

// Config holds queue settings.
type Config struct {
	MaxPending int           // queued tasks per lane, 64 when zero
	DedupSize  int           // remembered request ids
	DedupTTL   time.Duration // how long a request id is remembered
	Logger     zerolog.Logger
}

// LaneStats describes one lane.
type LaneStats struct {
	Queued  int  `json:"queued"`
	Running bool `json:"running"`
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
}

type laneState struct {
	queue   []*taskRecord
	running bool
}

// CommandQueue serializes tasks per lane.
type CommandQueue struct {
	maxPending int
	logger     zerolog.Logger
	seen       *expirable.LRU[string, struct{}]

	mu        sync.Mutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a CommandQueue.
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = defaultDedupSize
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = defaultDedupTTL
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &CommandQueue{
		maxPending: cfg.MaxPending,
		logger:     cfg.Logger.With().Str("component", "commandqueue").Logger(),
		seen:       expirable.NewLRU[string, struct{}](cfg.DedupSize, nil, cfg.DedupTTL),
		lanes:      make(map[string]*laneState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// ChatLane names the lane of a chat.
func ChatLane(chatID int64) string {
	return "chat:" + strconv.FormatInt(chatID, 10)
}

// Submit queues task and returns without waiting for it. A rejected task
// (ErrClosed, ErrLaneFull, ErrDuplicate) is never run; a task rejected
// because its lane was full may be submitted again with the same RequestID.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task, options *TaskOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return ErrClosed
	}

	ls, ok := cq.lanes[lane]
	if ok && len(ls.queue) >= cq.maxPending {
		cq.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLaneFull, lane)
	}

	if opts.RequestID != "" {
		if cq.seen.Contains(opts.RequestID) {
			cq.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicate, opts.RequestID)
		}
		cq.seen.Add(opts.RequestID, struct{}{})
	}

	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}

	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        tracing.Detach(ctx),
		enqueuedAt: time.Now(),
		options:    opts,
	}
	ls.queue = append(ls.queue, record)

	if !ls.running {
		ls.running = true
		cq.wg.Add(1)
		go cq.drain(lane, ls)
	}
	pending := cq.pendingLocked(ls)
	cq.mu.Unlock()

	enqLogger := tracing.LoggerFromContext(ctx, cq.logger)
	enqLogger.Debug().
		Str("lane", lane).
		Str("task_id", record.id).
		Int("pending", pending).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(laneKind(lane), pending)

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(record, lane)
	}

	return nil
}

// drain runs the lane's tasks until its queue is empty.
func (cq *CommandQueue) drain(lane string, ls *laneState) {
	defer cq.wg.Done()

	for {
		cq.mu.Lock()
		if len(ls.queue) == 0 {
			ls.running = false
			delete(cq.lanes, lane)
			cq.mu.Unlock()
			return
		}
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		cq.mu.Unlock()

		cq.execute(lane, ls, record)
	}
}

func (cq *CommandQueue) execute(lane string, ls *laneState, record *taskRecord) {
	taskCtx, span := tracing.StartSpan(record.ctx, "commandqueue", "commandqueue.execute",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	logger := tracing.LoggerFromContext(taskCtx, cq.logger)
	start := time.Now()

	err := cq.run(runCtx, record)

	stopCancel()
	cancel()
	duration := time.Since(start)

	tracing.EndSpan(span, err)

	if err != nil {
		logger.Error().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	cq.mu.Lock()
	pending := cq.pendingLocked(ls) - 1
	cq.mu.Unlock()
	observability.RecordQueueCompletion(laneKind(lane), duration, err == nil, pending)
}

// run executes the task, turning a panic into an error so one bad update
// cannot take down the lane.
func (cq *CommandQueue) run(ctx context.Context, record *taskRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", record.id, r)
		}
	}()
	return record.task(ctx)
}

func (cq *CommandQueue) startWarnTimer(record *taskRecord, lane string) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-cq.ctx.Done():
		return
	}

	cq.mu.Lock()
	queuePos := -1
	if ls, ok := cq.lanes[lane]; ok {
		for i, r := range ls.queue {
			if r == record {
				queuePos = i
				break
			}
		}
	}
	cq.mu.Unlock()

	if queuePos < 0 {
		return
	}

	wait := time.Since(record.enqueuedAt)
	cq.logger.Warn().
		Str("lane", lane).
		Str("task_id", record.id).
		Dur("wait", wait).
		Int("queue_pos", queuePos).
		Msg("Task waiting longer than expected")

	if record.options.OnWait != nil {
		record.options.OnWait(wait, queuePos)
	}
}

// Stats returns a snapshot of the active lanes.
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for lane, ls := range cq.lanes {
		stats[lane] = LaneStats{Queued: len(ls.queue), Running: ls.running}
	}
	return stats
}

// Close drops queued tasks, cancels running ones and waits for the lane
// workers to exit.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	dropped := 0
	for _, ls := range cq.lanes {
		dropped += len(ls.queue)
		ls.queue = nil
	}
	cq.mu.Unlock()

	if dropped > 0 {
		cq.logger.Warn().Int("dropped", dropped).Msg("Queued tasks dropped on close")
	}

	cq.cancel()
	cq.wg.Wait()
	return nil
}

func (cq *CommandQueue) pendingLocked(ls *laneState) int {
	n := len(ls.queue)
	if ls.running {
		n++
	}
	return n
}

// laneKind keeps metric cardinality bounded: "chat:123" becomes "chat".
func laneKind(lane string) string {
	for i := 0; i < len(lane); i++ {
		if lane[i] == ':' {
			return lane[:i]
		}
	}
	return lane
}
