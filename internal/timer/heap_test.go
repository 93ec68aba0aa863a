package timer

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestManager_Schedule(t *testing.T) {
	m := NewManager(2, quietLogger())
	m.Start()
	defer m.Stop()

	done := make(chan struct{})
	err := m.Schedule("test1", time.Now().Add(50*time.Millisecond), func(ctx context.Context) {
		close(done)
	})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Task was not executed")
	}
}

func TestManager_Cancel(t *testing.T) {
	m := NewManager(2, quietLogger())
	m.Start()
	defer m.Stop()

	var executed atomic.Bool
	if err := m.Schedule("test1", time.Now().Add(100*time.Millisecond), func(ctx context.Context) {
		executed.Store(true)
	}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	if !m.Cancel("test1") {
		t.Error("Cancel returned false")
	}
	if m.Cancel("test1") {
		t.Error("Second cancel returned true")
	}

	time.Sleep(200 * time.Millisecond)

	if executed.Load() {
		t.Error("Task was executed despite being cancelled")
	}
}

func TestManager_MultipleTasksOrdering(t *testing.T) {
	m := NewManager(1, quietLogger())
	m.Start()
	defer m.Stop()

	var results []int
	var mu sync.Mutex
	record := func(n int) func(context.Context) {
		return func(context.Context) {
			mu.Lock()
			results = append(results, n)
			mu.Unlock()
		}
	}

	now := time.Now()
	m.Schedule("task3", now.Add(150*time.Millisecond), record(3))
	m.Schedule("task1", now.Add(50*time.Millisecond), record(1))
	m.Schedule("task2", now.Add(100*time.Millisecond), record(2))

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	if results[0] != 1 || results[1] != 2 || results[2] != 3 {
		t.Errorf("Tasks executed in wrong order: %v", results)
	}
}

func TestManager_RescheduleExisting(t *testing.T) {
	m := NewManager(2, quietLogger())
	m.Start()
	defer m.Stop()

	var count atomic.Int32
	m.Schedule("test1", time.Now().Add(100*time.Millisecond), func(context.Context) { count.Add(1) })
	m.Schedule("test1", time.Now().Add(50*time.Millisecond), func(context.Context) { count.Add(10) })

	time.Sleep(200 * time.Millisecond)

	if got := count.Load(); got != 10 {
		t.Errorf("Expected count=10 (only second task), got %d", got)
	}
}

func TestManager_PanicDoesNotKillWorker(t *testing.T) {
	m := NewManager(1, quietLogger())
	m.Start()
	defer m.Stop()

	done := make(chan struct{})
	now := time.Now()
	m.Schedule("boom", now.Add(10*time.Millisecond), func(context.Context) { panic("boom") })
	m.Schedule("after", now.Add(30*time.Millisecond), func(context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestManager_StopWaitsForRunningTask(t *testing.T) {
	m := NewManager(1, quietLogger())
	m.Start()

	started := make(chan struct{})
	var finished atomic.Bool
	m.Schedule("slow", time.Now(), func(context.Context) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
	})

	<-started
	m.Stop()

	if !finished.Load() {
		t.Error("Stop returned before the running task finished")
	}
	if err := m.Schedule("late", time.Now(), func(context.Context) {}); err != ErrManagerStopped {
		t.Errorf("Expected ErrManagerStopped, got %v", err)
	}
}

func TestManager_StopWithoutStart(t *testing.T) {
	m := NewManager(1, quietLogger())
	m.Stop()
	m.Stop()
}

func TestManager_Stats(t *testing.T) {
	m := NewManager(5, quietLogger())
	m.Start()
	defer m.Stop()

	m.Schedule("task1", time.Now().Add(1*time.Hour), func(context.Context) {})
	m.Schedule("task2", time.Now().Add(2*time.Hour), func(context.Context) {})
	m.Schedule("task3", time.Now().Add(3*time.Hour), func(context.Context) {})

	stats := m.Stats()
	if stats.ScheduledTasks != 3 {
		t.Errorf("Expected 3 scheduled tasks, got %d", stats.ScheduledTasks)
	}
	if stats.Workers != 5 {
		t.Errorf("Expected 5 workers, got %d", stats.Workers)
	}

	next, ok := m.Next("task2")
	if !ok || time.Until(next) < time.Hour {
		t.Errorf("Unexpected next run for task2: %v %v", next, ok)
	}
}
