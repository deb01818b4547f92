package scheduled

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher is the narrow slice of the dispatch package a fired task
// needs: enough to raise a scheduled_time event. Declared here rather
// than imported so this package stays free of a dependency on dispatch.
type Dispatcher interface {
	CheckEvent(ctx context.Context, kind string, payload map[string]any)
}

// Scheduler manages scheduled_time triggers: one timer per task,
// rearmed after every firing.
type Scheduler struct {
	logger     *slog.Logger
	store      *Store
	dispatcher Dispatcher

	mu      sync.Mutex
	timers  map[string]*time.Timer
	running bool
	wg      sync.WaitGroup
}

// New creates a scheduler bound to a store and a dispatcher.
func New(logger *slog.Logger, store *Store, dispatcher Dispatcher) *Scheduler {
	return &Scheduler{
		logger:     logger,
		store:      store,
		dispatcher: dispatcher,
		timers:     make(map[string]*time.Timer),
	}
}

// Start loads enabled tasks, arms their timers, and catches up any
// executions that were pending when the process last stopped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	tasks, err := s.store.ListTasks(true)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		s.scheduleTask(task)
	}
	s.logger.Info("scheduler started", "tasks", len(tasks))

	s.checkMissedExecutions(ctx)
	return nil
}

// Stop cancels all timers and waits for in-flight firings to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// CreateTask persists a new task and arms it if enabled.
func (s *Scheduler) CreateTask(task *Task) error {
	if err := s.store.CreateTask(task); err != nil {
		return err
	}
	if task.Enabled {
		s.scheduleTask(task)
	}
	s.logger.Info("scheduled task created", "id", task.ID, "name", task.Name, "schedule", task.Schedule.Kind)
	return nil
}

// UpdateTask persists changes and rearms the task's timer.
func (s *Scheduler) UpdateTask(task *Task) error {
	if err := s.store.UpdateTask(task); err != nil {
		return err
	}
	s.cancelTimer(task.ID)
	if task.Enabled {
		s.scheduleTask(task)
	}
	s.logger.Info("scheduled task updated", "id", task.ID, "name", task.Name)
	return nil
}

// DeleteTask cancels the task's timer and removes it.
func (s *Scheduler) DeleteTask(id string) error {
	s.cancelTimer(id)
	if err := s.store.DeleteTask(id); err != nil {
		return err
	}
	s.logger.Info("scheduled task deleted", "id", id)
	return nil
}

// GetTask retrieves a task by ID.
func (s *Scheduler) GetTask(id string) (*Task, error) {
	return s.store.GetTask(id)
}

// ListTasks returns all tasks, optionally filtered to enabled ones.
func (s *Scheduler) ListTasks(enabledOnly bool) ([]*Task, error) {
	return s.store.ListTasks(enabledOnly)
}

// TaskExecutions returns execution history for a task.
func (s *Scheduler) TaskExecutions(taskID string, limit int) ([]*Execution, error) {
	return s.store.ListExecutions(taskID, limit)
}

// TriggerTask fires a task immediately, bypassing its schedule.
func (s *Scheduler) TriggerTask(ctx context.Context, taskID string) (*Execution, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	return s.fireTask(ctx, task, time.Now())
}

// scheduleTask arms (or rearms) a timer for a task's next run.
func (s *Scheduler) scheduleTask(task *Task) {
	next, ok := task.NextRun(time.Now())
	if !ok {
		s.logger.Debug("scheduled task has no future runs", "id", task.ID, "name", task.Name)
		return
	}

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, exists := s.timers[task.ID]; exists {
		timer.Stop()
	}
	s.timers[task.ID] = time.AfterFunc(delay, func() {
		s.onTimerFire(task.ID)
	})
	s.logger.Debug("scheduled task armed", "id", task.ID, "name", task.Name, "next", next, "delay", delay)
}

func (s *Scheduler) onTimerFire(taskID string) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, taskID)
	s.mu.Unlock()

	task, err := s.store.GetTask(taskID)
	if err != nil {
		s.logger.Error("scheduled task lookup failed", "id", taskID, "error", err)
		return
	}
	if !task.Enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	_, err = s.fireTask(ctx, task, time.Now())
	cancel()
	if err != nil {
		s.logger.Error("scheduled task firing failed", "id", taskID, "error", err)
	}

	if task.Schedule.Kind != ScheduleAt {
		s.scheduleTask(task)
	}
}

// fireTask records an execution and calls the dispatcher. The
// dispatcher never returns an error by contract (it recovers and logs
// internally), so the only failure path here is the store write.
func (s *Scheduler) fireTask(ctx context.Context, task *Task, scheduledAt time.Time) (*Execution, error) {
	exec := &Execution{
		ID:          NewID(),
		TaskID:      task.ID,
		ScheduledAt: scheduledAt,
		Status:      StatusRunning,
	}
	started := time.Now()
	exec.StartedAt = &started

	if err := s.store.CreateExecution(exec); err != nil {
		return nil, err
	}

	s.logger.Info("firing scheduled task", "task_id", task.ID, "task_name", task.Name, "execution_id", exec.ID)

	payload := map[string]any{"timestamp": scheduledAt}
	if task.Schedule.Kind == ScheduleCron {
		payload["cron"] = task.Schedule.Cron
	}
	if task.Payload.Note != "" {
		payload["note"] = task.Payload.Note
	}
	for k, v := range task.Payload.Data {
		payload[k] = v
	}

	s.dispatcher.CheckEvent(ctx, "scheduled_time", payload)

	completed := time.Now()
	exec.CompletedAt = &completed
	exec.Status = StatusCompleted
	exec.Result = "dispatched"

	if err := s.store.UpdateExecution(exec); err != nil {
		s.logger.Error("scheduled execution update failed", "id", exec.ID, "error", err)
	}

	s.logger.Info("scheduled task fired", "task_id", task.ID, "execution_id", exec.ID, "duration", completed.Sub(started))
	return exec, nil
}

func (s *Scheduler) cancelTimer(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, exists := s.timers[taskID]; exists {
		timer.Stop()
		delete(s.timers, taskID)
	}
}

// checkMissedExecutions handles executions still marked pending:
// too-old ones are marked skipped, recent ones are replayed once
// through fireTask. fireTask records its own executions as running,
// so an execution interrupted mid-fire by a shutdown is not picked up.
func (s *Scheduler) checkMissedExecutions(ctx context.Context) {
	pending, err := s.store.GetPendingExecutions()
	if err != nil {
		s.logger.Error("pending execution lookup failed", "error", err)
		return
	}

	for _, exec := range pending {
		if time.Since(exec.ScheduledAt) > 24*time.Hour {
			exec.Status = StatusSkipped
			exec.Result = "missed execution window (>24h)"
			_ = s.store.UpdateExecution(exec)
			s.logger.Info("skipped stale scheduled execution", "id", exec.ID, "scheduled", exec.ScheduledAt)
			continue
		}

		task, err := s.store.GetTask(exec.TaskID)
		if err != nil {
			continue
		}
		s.logger.Info("catching up missed scheduled execution", "task", task.Name, "scheduled", exec.ScheduledAt)
		exec.Status = StatusSkipped
		exec.Result = "replaced by catch-up execution"
		_ = s.store.UpdateExecution(exec)
		_, _ = s.fireTask(ctx, task, exec.ScheduledAt)
	}
}

// Stats returns scheduler statistics for the HTTP surface.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, _ := s.store.ListTasks(false)
	enabled := 0
	for _, t := range tasks {
		if t.Enabled {
			enabled++
		}
	}

	return map[string]any{
		"running":       s.running,
		"total_tasks":   len(tasks),
		"enabled_tasks": enabled,
		"active_timers": len(s.timers),
	}
}
