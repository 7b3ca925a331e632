package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolProcessesAllTasks(t *testing.T) {
	var processed int64

	pool, err := New(Config{Workers: 4, QueueSize: 64}, func(ctx context.Context, task *Task) *Result {
		atomic.AddInt64(&processed, 1)
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("pool init failed: %v", err)
	}
	pool.Start()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		if err := pool.Submit(&Task{ID: "t", Done: func(*Result) { wg.Done() }}); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}
	wg.Wait()
	pool.Stop()

	if got := atomic.LoadInt64(&processed); got != n {
		t.Errorf("processed = %d, want %d", got, n)
	}

	stats := pool.Stats()
	if stats.TasksSubmitted != n || stats.TasksCompleted != n {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPoolDoneReceivesFailure(t *testing.T) {
	taskErr := errors.New("boom")

	pool, err := New(Config{Workers: 1, QueueSize: 4}, func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: false, Error: taskErr}
	}, nil)
	if err != nil {
		t.Fatalf("pool init failed: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	done := make(chan *Result, 1)
	if err := pool.Submit(&Task{ID: "fail", Done: func(r *Result) { done <- r }}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	select {
	case result := <-done:
		if result.Success {
			t.Error("expected failure result")
		}
		if !errors.Is(result.Error, taskErr) {
			t.Errorf("error = %v, want wrapped %v", result.Error, taskErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestPoolSubmitFailsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})

	pool, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		<-block
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("pool init failed: %v", err)
	}
	pool.Start()
	defer func() {
		close(block)
		pool.Stop()
	}()

	// Saturate the single worker plus the one queue slot
	submitted := 0
	for i := 0; i < 10; i++ {
		if err := pool.Submit(&Task{ID: "t"}); err != nil {
			break
		}
		submitted++
	}
	if submitted >= 10 {
		t.Fatal("expected queue-full rejection")
	}
}

func TestPoolSubmitAfterStop(t *testing.T) {
	pool, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("pool init failed: %v", err)
	}
	pool.Start()
	pool.Stop()

	if err := pool.Submit(&Task{ID: "late"}); err == nil {
		t.Error("expected rejection after stop")
	}
}

func TestPoolRetriesFailedTasks(t *testing.T) {
	var attempts int64

	pool, err := New(Config{Workers: 1, QueueSize: 4, MaxRetries: 2, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		if atomic.AddInt64(&attempts, 1) < 3 {
			return &Result{TaskID: task.ID, Success: false, Error: errors.New("transient")}
		}
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("pool init failed: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	done := make(chan *Result, 1)
	pool.Submit(&Task{ID: "retry", Done: func(r *Result) { done <- r }})

	select {
	case result := <-done:
		if !result.Success {
			t.Errorf("expected success after retries, got %v", result.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}

	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}
