package scheduled

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	kinds   []string
	payload []map[string]any
}

func (f *fakeDispatcher) CheckEvent(ctx context.Context, kind string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	f.payload = append(f.payload, payload)
}

func (f *fakeDispatcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.kinds)
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeDispatcher) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "scheduler_test.db")
	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	disp := &fakeDispatcher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, store, disp), disp
}

func TestTriggerTask_CallsDispatcherImmediately(t *testing.T) {
	sched, disp := newTestScheduler(t)

	task := &Task{
		Name:      "manual-trigger",
		Schedule:  Schedule{Kind: ScheduleEvery, Every: &Duration{Duration: time.Hour}},
		Payload:   Payload{Note: "recheck"},
		Enabled:   true,
		CreatedBy: "test",
	}
	if err := sched.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	exec, err := sched.TriggerTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("TriggerTask: %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", exec.Status)
	}
	if disp.calls() != 1 {
		t.Fatalf("expected 1 dispatcher call, got %d", disp.calls())
	}
	if disp.kinds[0] != "scheduled_time" {
		t.Errorf("kind = %q, want scheduled_time", disp.kinds[0])
	}
	if disp.payload[0]["note"] != "recheck" {
		t.Errorf("payload note = %v, want recheck", disp.payload[0]["note"])
	}
}

func TestStartStop_ArmsAndCancelsTimers(t *testing.T) {
	sched, _ := newTestScheduler(t)

	task := &Task{
		Name:      "armed",
		Schedule:  Schedule{Kind: ScheduleEvery, Every: &Duration{Duration: time.Hour}},
		Enabled:   true,
		CreatedBy: "test",
	}
	if err := sched.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stats := sched.Stats()
	if stats["active_timers"].(int) != 1 {
		t.Errorf("active_timers = %v, want 1", stats["active_timers"])
	}

	sched.Stop()
	stats = sched.Stats()
	if stats["running"].(bool) {
		t.Error("expected running=false after Stop")
	}
}

func TestDeleteTask_CancelsTimer(t *testing.T) {
	sched, _ := newTestScheduler(t)

	task := &Task{
		Name:      "to-delete",
		Schedule:  Schedule{Kind: ScheduleEvery, Every: &Duration{Duration: time.Hour}},
		Enabled:   true,
		CreatedBy: "test",
	}
	if err := sched.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	if err := sched.DeleteTask(task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}

	stats := sched.Stats()
	if stats["active_timers"].(int) != 0 {
		t.Errorf("active_timers = %v, want 0 after delete", stats["active_timers"])
	}
}
