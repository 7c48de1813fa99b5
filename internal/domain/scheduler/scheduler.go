// Package scheduler: запуск планировщика и диспетчера автосообщений по крону.
// Каждая задача защищена от повторного входа: пересёкшийся тик пропускается
// и считается, а не ставится в очередь. Ручные запуски делят гвард с кроном.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/robfig/cron/v3"

	"github.com/ekintkara/njback/internal/infra/logger"
)

// Имена задач в статусе и логах.
const (
	TaskPlanner    = "planner"
	TaskDispatcher = "dispatcher"
)

// TaskFunc — полезная работа одной задачи.
type TaskFunc func(ctx context.Context) error

// TaskStatus — срез состояния одной задачи.
type TaskStatus struct {
	Cron          string     `json:"cron"`
	IsScheduled   bool       `json:"isScheduled"`
	IsRunning     bool       `json:"isRunning"`
	NextExecution *time.Time `json:"nextExecution,omitempty"`
	Runs          int64      `json:"runs"`
	Skipped       int64      `json:"skipped"`
	Failures      int64      `json:"failures"`
}

// Status — общий срез шедулера.
type Status struct {
	IsRunning  bool       `json:"isRunning"`
	Timezone   string     `json:"timezone"`
	Planner    TaskStatus `json:"planner"`
	Dispatcher TaskStatus `json:"dispatcher"`
}

// task — регистрация в кроне плюс гвард неповторного входа и счётчики.
type task struct {
	name    string
	spec    string
	fn      TaskFunc
	entryID cron.EntryID

	running  atomic.Bool
	runs     atomic.Int64
	skipped  atomic.Int64
	failures atomic.Int64
}

// tryRun выполняет задачу, если она не идёт прямо сейчас.
// Паника внутри задачи гасится и считается неудачным прогоном.
func (t *task) tryRun(ctx context.Context) (ran bool, err error) {
	if !t.running.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		logger.Warnf("Scheduler: %s is still running, run skipped", t.name)
		return false, nil
	}
	defer t.running.Store(false)

	ran = true
	t.runs.Add(1)
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			t.failures.Add(1)
			err = errors.Errorf("%s panicked: %v", t.name, r)
			logger.Errorf("Scheduler: %v", err)
		}
	}()

	if errRun := t.fn(ctx); errRun != nil {
		t.failures.Add(1)
		logger.Errorf("Scheduler: %s failed after %s: %v",
			t.name, time.Since(started).Round(time.Millisecond), errRun)
		return true, errRun
	}
	logger.Debugf("Scheduler: %s finished in %s", t.name, time.Since(started).Round(time.Millisecond))
	return true, nil
}

func (t *task) status(scheduled bool, next time.Time) TaskStatus {
	st := TaskStatus{
		Cron:        t.spec,
		IsScheduled: scheduled,
		IsRunning:   t.running.Load(),
		Runs:        t.runs.Load(),
		Skipped:     t.skipped.Load(),
		Failures:    t.failures.Load(),
	}
	if !next.IsZero() {
		st.NextExecution = &next
	}
	return st
}

// Options — расписания и работа обеих задач.
type Options struct {
	Location       *time.Location
	PlannerSpec    string
	DispatcherSpec string
	Planner        TaskFunc
	Dispatcher     TaskFunc
}

// Scheduler держит обе задачи на одном кроне в заданной таймзоне.
type Scheduler struct {
	cron       *cron.Cron
	loc        *time.Location
	planner    *task
	dispatcher *task

	runCtx context.Context
	cancel context.CancelFunc

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(opts Options) (*Scheduler, error) {
	if opts.Planner == nil {
		return nil, errors.New("scheduler: planner task is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("scheduler: dispatcher task is required")
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	s := &Scheduler{
		cron:       cron.New(cron.WithLocation(loc)),
		loc:        loc,
		planner:    &task{name: TaskPlanner, spec: opts.PlannerSpec, fn: opts.Planner},
		dispatcher: &task{name: TaskDispatcher, spec: opts.DispatcherSpec, fn: opts.Dispatcher},
	}
	s.runCtx, s.cancel = context.WithCancel(context.Background())

	for _, t := range []*task{s.planner, s.dispatcher} {
		t := t
		id, err := s.cron.AddFunc(t.spec, func() {
			_, _ = t.tryRun(s.runCtx)
		})
		if err != nil {
			s.cancel()
			return nil, errors.Wrapf(err, "register %s (%q)", t.name, t.spec)
		}
		t.entryID = id
	}
	return s, nil
}

// Start запускает тики крона. Повторные вызовы игнорируются.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.cron.Start()
		s.started.Store(true)
		logger.Infof("Scheduler: started (planner %q, dispatcher %q, tz %s)",
			s.planner.spec, s.dispatcher.spec, s.loc)
	})
}

// Stop прекращает новые тики и ждёт завершения текущих прогонов до
// дедлайна ctx; по его истечении затянувшиеся прогоны обрываются отменой
// их контекста.
func (s *Scheduler) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		s.started.Store(false)
		waitCtx := s.cron.Stop()
		select {
		case <-waitCtx.Done():
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		s.cancel()
		logger.Info("Scheduler: stopped")
	})
	return stopErr
}

// RunPlannerNow запускает планировщик вне расписания. Гвард общий с кроном:
// при пересечении с идущим прогоном возвращает (false, nil).
func (s *Scheduler) RunPlannerNow(ctx context.Context) (bool, error) {
	return s.planner.tryRun(ctx)
}

// RunDispatcherNow запускает диспетчер вне расписания, гвард общий с кроном.
func (s *Scheduler) RunDispatcherNow(ctx context.Context) (bool, error) {
	return s.dispatcher.tryRun(ctx)
}

// Status возвращает срез состояния обеих задач.
func (s *Scheduler) Status() Status {
	scheduled := s.started.Load()
	out := Status{
		IsRunning: scheduled,
		Timezone:  s.loc.String(),
	}
	out.Planner = s.planner.status(scheduled, s.nextRun(s.planner))
	out.Dispatcher = s.dispatcher.status(scheduled, s.nextRun(s.dispatcher))
	return out
}

func (s *Scheduler) nextRun(t *task) time.Time {
	if !s.started.Load() {
		return time.Time{}
	}
	return s.cron.Entry(t.entryID).Next
}
