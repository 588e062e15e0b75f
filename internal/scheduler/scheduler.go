// Package scheduler fires cron tasks: an in-process priority queue keyed by
// next fire time, drained by a sub-second ticker. Each fire runs a
// background session through the coordinator.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/store"
)

// queueItem is one scheduled fire.
type queueItem struct {
	taskID string
	at     time.Time
	index  int
}

type fireQueue []*queueItem

func (q fireQueue) Len() int            { return len(q) }
func (q fireQueue) Less(i, j int) bool  { return q[i].at.Before(q[j].at) }
func (q fireQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *fireQueue) Push(x interface{}) { it := x.(*queueItem); it.index = len(*q); *q = append(*q, it) }
func (q *fireQueue) Pop() interface{} {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// Scheduler owns the cron queue and the fire loop.
type Scheduler struct {
	store  store.Store
	coord  *session.Coordinator
	bus    bus.EventBus
	logger *logger.Logger
	tick   time.Duration
	gron   gronx.Gronx

	mu    sync.Mutex
	queue fireQueue

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	fires    sync.WaitGroup
}

// New creates a scheduler. Tick must stay at or below one second; zero
// defaults to 500ms.
func New(st store.Store, coord *session.Coordinator, eventBus bus.EventBus, tick time.Duration, log *logger.Logger) *Scheduler {
	if tick <= 0 || tick > time.Second {
		tick = 500 * time.Millisecond
	}
	return &Scheduler{
		store:  st,
		coord:  coord,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "scheduler")),
		tick:   tick,
		gron:   gronx.New(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start loads enabled tasks from the store and runs the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	tasks, err := s.store.ScheduledTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := s.Schedule(ctx, t); err != nil {
			s.logger.Warn("failed to schedule task at startup",
				zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	s.logger.Info("scheduler started", zap.Int("tasks", len(tasks)), zap.Duration("tick", s.tick))

	go s.loop()
	return nil
}

// Stop halts the loop and waits for in-flight fires.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	s.fires.Wait()
}

// Schedule (re)computes a task's next fire time and queues it. Called at
// startup and after task create/update.
func (s *Scheduler) Schedule(ctx context.Context, t *store.Task) error {
	if !t.ScheduleEnabled || t.ScheduleCron == "" {
		return s.Unschedule(ctx, t.ID)
	}
	if !s.gron.IsValid(t.ScheduleCron) {
		return apperrors.Validation(fmt.Sprintf("invalid cron expression: %s", t.ScheduleCron))
	}
	next, err := gronx.NextTickAfter(t.ScheduleCron, time.Now().UTC(), false)
	if err != nil {
		return apperrors.Validation(fmt.Sprintf("cannot compute next fire: %v", err))
	}
	if err := s.store.SetTaskNextFire(ctx, t.ID, &next); err != nil {
		return err
	}

	s.mu.Lock()
	heap.Push(&s.queue, &queueItem{taskID: t.ID, at: next})
	s.mu.Unlock()
	return nil
}

// Unschedule clears a task's fire time. Queue entries are left to lapse;
// the fire path re-reads the task and skips stale entries.
func (s *Scheduler) Unschedule(ctx context.Context, taskID string) error {
	return s.store.SetTaskNextFire(ctx, taskID, nil)
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.drainDue(now.UTC())
		}
	}
}

// drainDue pops every queue entry whose time has passed and fires each
// asynchronously.
func (s *Scheduler) drainDue(now time.Time) {
	for {
		s.mu.Lock()
		if s.queue.Len() == 0 || s.queue[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		item := heap.Pop(&s.queue).(*queueItem)
		s.mu.Unlock()

		s.fires.Add(1)
		go func(taskID string, at time.Time) {
			defer s.fires.Done()
			s.fireScheduled(context.Background(), taskID, at)
		}(item.taskID, item.at)
	}
}

// fireScheduled runs one cron occurrence. Stale queue entries (task
// deleted, disabled, or rescheduled past this entry) are dropped silently.
func (s *Scheduler) fireScheduled(ctx context.Context, taskID string, at time.Time) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			s.logger.Warn("failed to load task for fire", zap.String("task_id", taskID), zap.Error(err))
		}
		return
	}
	if !t.ScheduleEnabled || t.NextFireAt == nil || t.NextFireAt.After(at.Add(s.tick)) {
		return
	}

	_, _ = s.Execute(ctx, t, store.TriggerScheduled, nil)

	// A failure does not re-fire; the next cron occurrence proceeds as
	// scheduled.
	if err := s.Schedule(ctx, t); err != nil {
		s.logger.Warn("failed to reschedule task", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// Execute fires a task once: create a background session, render the
// prompt, run it, and record the execution. Manual triggers pass variable
// overrides.
func (s *Scheduler) Execute(ctx context.Context, t *store.Task, trigger store.ExecutionTrigger, overrides map[string]string) (*store.TaskExecution, error) {
	exec := &store.TaskExecution{
		TaskID:    t.ID,
		Trigger:   trigger,
		Variables: overrides,
		Status:    store.ExecutionStatusRunning,
	}
	now := time.Now().UTC()
	exec.StartedAt = &now
	if err := s.store.CreateTaskExecution(ctx, exec); err != nil {
		return nil, err
	}
	s.publish(bus.EventTaskExecutionStart, t, exec)

	result, runErr := s.run(ctx, t, overrides, exec)

	done := time.Now().UTC()
	exec.CompletedAt = &done
	if runErr != nil {
		exec.Status = store.ExecutionStatusFailed
		exec.Error = runErr.Error()
	} else {
		exec.Status = store.ExecutionStatusCompleted
		exec.Result = result
	}
	if err := s.store.UpdateTaskExecution(ctx, exec); err != nil {
		s.logger.Warn("failed to record task execution", zap.String("execution_id", exec.ID), zap.Error(err))
	}

	var successes, failures int64
	if runErr != nil {
		failures = 1
	} else {
		successes = 1
	}
	if err := s.store.IncrementTaskStats(ctx, t.ID, 1, successes, failures); err != nil {
		s.logger.Warn("failed to update task stats", zap.String("task_id", t.ID), zap.Error(err))
	}
	s.publish(bus.EventTaskExecutionDone, t, exec)

	if runErr != nil {
		return exec, runErr
	}
	return exec, nil
}

// ExecuteNow fires a task immediately, outside its schedule.
func (s *Scheduler) ExecuteNow(ctx context.Context, taskID string, overrides map[string]string) (*store.TaskExecution, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, t, store.TriggerManual, overrides)
}

// ValidateCron reports whether expr is a parseable cron expression.
func (s *Scheduler) ValidateCron(expr string) bool {
	return s.gron.IsValid(expr)
}

func (s *Scheduler) run(ctx context.Context, t *store.Task, overrides map[string]string, exec *store.TaskExecution) (string, error) {
	prompt, err := RenderTemplate(t.PromptTemplate, mergeVars(t.Variables, overrides))
	if err != nil {
		return "", err
	}

	sess, err := s.coord.Create(ctx, session.CreateRequest{
		UserID: t.UserID,
		Mode:   store.SessionModeBackground,
		Config: store.SessionConfig{
			AllowedTools: t.AllowedTools,
			SDKOptions:   t.SDKOptions,
		},
	})
	if err != nil {
		return "", err
	}
	exec.SessionID = sess.ID
	if uerr := s.store.UpdateTaskExecution(ctx, exec); uerr != nil {
		s.logger.Warn("failed to link execution session", zap.String("execution_id", exec.ID), zap.Error(uerr))
	}

	out, err := s.coord.StartQuery(ctx, sess.ID, prompt)
	if err != nil {
		return "", err
	}
	outcome := <-out
	if after, gerr := s.store.GetSession(ctx, sess.ID); gerr == nil {
		exec.RetryCount = int(after.Metrics.TotalRetries)
	}
	if outcome.Err != nil {
		return "", outcome.Err
	}
	if outcome.Result != nil && outcome.Result.IsError {
		return "", apperrors.Fatal("agent reported an error result: "+outcome.Result.ResultText, nil)
	}
	if outcome.Result == nil {
		return "", nil
	}
	return outcome.Result.ResultText, nil
}

func (s *Scheduler) publish(eventType string, t *store.Task, exec *store.TaskExecution) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(context.Background(), bus.TaskSubject(t.ID), bus.NewEvent(eventType, "scheduler",
		map[string]interface{}{
			"task_id":      t.ID,
			"execution_id": exec.ID,
			"session_id":   exec.SessionID,
			"status":       string(exec.Status),
			"trigger":      string(exec.Trigger),
		}))
}

var templateVarPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// RenderTemplate substitutes {{name}} occurrences with values. A variable
// without a value fails the render.
func RenderTemplate(tpl string, vars map[string]string) (string, error) {
	var missing []string
	out := templateVarPattern.ReplaceAllStringFunc(tpl, func(m string) string {
		name := templateVarPattern.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", apperrors.TemplateError("missing template variables: " + strings.Join(missing, ", "))
	}
	return out, nil
}

func mergeVars(base, overrides map[string]string) map[string]string {
	if len(overrides) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
