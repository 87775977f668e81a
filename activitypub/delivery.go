package activitypub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deemkeen/fedletic/db"
	"github.com/deemkeen/fedletic/domain"
	"github.com/deemkeen/fedletic/logging"
	"github.com/deemkeen/fedletic/telemetry"
	"github.com/deemkeen/fedletic/util"
)

const taskBatchSize = 50

// retryBackoff is indexed by attempts-1 and saturates at the last entry.
var retryBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	240 * time.Minute,
	1440 * time.Minute,
}

// TaskHandler executes one queued task. Returning an error reschedules the task unless
// IsPermanent reports it as unrecoverable.
type TaskHandler func(ctx context.Context, task domain.Task) error

// Worker drains the tasks table. A task never runs concurrently with itself; deliveries of
// one activity to different inboxes run in parallel.
type Worker struct {
	db          *db.DB
	handlers    map[domain.TaskKind]TaskHandler
	interval    time.Duration
	concurrency int
	maxAttempts int
	wake        chan struct{}
	locks       *keyedMutex
	now         func() time.Time
	log         *zap.Logger
}

func NewWorker(database *db.DB, conf *util.AppConfig) *Worker {
	return &Worker{
		db:          database,
		handlers:    make(map[domain.TaskKind]TaskHandler),
		interval:    conf.Conf.WorkerInterval,
		concurrency: conf.Conf.WorkerConcurrency,
		maxAttempts: conf.Conf.MaxDeliveryAttempts,
		wake:        make(chan struct{}, 1),
		locks:       newKeyedMutex(),
		now:         time.Now,
		log:         logging.WithComponent("worker"),
	}
}

// Handle registers the handler for kind. Call before Run.
func (w *Worker) Handle(kind domain.TaskKind, h TaskHandler) {
	w.handlers[kind] = h
}

// Wake asks a running worker to poll now instead of waiting for the next tick.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run polls for due tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("Starting task worker",
		zap.Duration("interval", w.interval), zap.Int("concurrency", w.concurrency))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("Failed to read task queue", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			w.log.Info("Task worker stopped")
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// RunOnce executes every task that is due now and returns how many were picked up.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	tasks, err := w.db.ReadDueTasks(ctx, w.now(), taskBatchSize)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	w.log.Debug("Processing due tasks", zap.Int("count", len(tasks)))

	var g errgroup.Group
	g.SetLimit(max(w.concurrency, 1))
	for _, task := range tasks {
		g.Go(func() error {
			w.runTask(ctx, task)
			return nil
		})
	}
	_ = g.Wait()
	return len(tasks), nil
}

func (w *Worker) runTask(ctx context.Context, task domain.Task) {
	unlock := w.locks.Lock(taskKey(task))
	defer unlock()

	log := w.log.With(zap.String("kind", string(task.Kind)), zap.String("activity", task.ActivityID))
	if task.InboxURL != "" {
		log = log.With(zap.String("inbox", task.InboxURL))
	}

	handler, ok := w.handlers[task.Kind]
	if !ok {
		log.Error("No handler for task kind, dropping task")
		w.deleteTask(ctx, task)
		return
	}

	started := time.Now()
	err := w.safeCall(ctx, handler, task)
	telemetry.TaskFinished(ctx, string(task.Kind), started)

	switch {
	case err == nil:
		log.Debug("Task done")
		w.deleteTask(ctx, task)
	case IsPermanent(err):
		log.Warn("Task failed permanently, dropping", zap.Error(err))
		w.deleteTask(ctx, task)
	default:
		attempts := task.Attempts + 1
		if attempts >= w.maxAttempts {
			log.Warn("Giving up on task", zap.Int("attempts", attempts), zap.Error(err))
			w.deleteTask(ctx, task)
			return
		}
		backoff := retryBackoff[min(attempts-1, len(retryBackoff)-1)]
		log.Info("Task failed, retrying later",
			zap.Int("attempts", attempts), zap.Duration("backoff", backoff), zap.Error(err))
		if err := w.db.RescheduleTask(ctx, task.Id, attempts, w.now().Add(backoff), err.Error()); err != nil {
			log.Error("Failed to reschedule task", zap.Error(err))
		}
	}
}

// taskKey identifies a task the way the queue deduplicates it.
func taskKey(task domain.Task) string {
	return string(task.Kind) + "|" + task.ActivityID + "|" + task.InboxURL
}

func (w *Worker) safeCall(ctx context.Context, h TaskHandler, task domain.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return h(ctx, task)
}

func (w *Worker) deleteTask(ctx context.Context, task domain.Task) {
	if err := w.db.DeleteTask(ctx, task.Id); err != nil {
		w.log.Error("Failed to delete task", zap.String("task", task.Id.String()), zap.Error(err))
	}
}

// keyedMutex hands out one mutex per key and forgets it when nobody holds it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// HandleTask adapts Process to the worker.
func (p *Processor) HandleTask(ctx context.Context, task domain.Task) error {
	return p.Process(ctx, task.ActivityID)
}

// HandleTask adapts Publish to the worker.
func (p *Publisher) HandleTask(ctx context.Context, task domain.Task) error {
	return p.Publish(ctx, task.ActivityID, task.InboxURL)
}
