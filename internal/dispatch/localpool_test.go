package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"codetier/internal/sandbox"
	appErr "codetier/pkg/errors"
)

// fakeRunner counts concurrent executions and optionally blocks until
// released, which makes concurrency caps observable.
type fakeRunner struct {
	mu      sync.Mutex
	running int
	peak    int
	total   int
	block   chan struct{}
	result  sandbox.JobResult
}

func (f *fakeRunner) Run(ctx context.Context, job sandbox.Job) sandbox.JobResult {
	f.mu.Lock()
	f.running++
	f.total++
	if f.running > f.peak {
		f.peak = f.running
	}
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	f.running--
	f.mu.Unlock()
	return f.result
}

func (f *fakeRunner) peakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func TestNewLocalPoolMisconfigured(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{}

	if _, err := NewLocalPool(runner, LocalPoolConfig{MaxConcurrency: 0}); appErr.GetCode(err) != appErr.DispatcherMisconfigured {
		t.Errorf("zero concurrency code = %d, want DispatcherMisconfigured", appErr.GetCode(err))
	}
	if _, err := NewLocalPool(nil, LocalPoolConfig{MaxConcurrency: 2}); appErr.GetCode(err) != appErr.DispatcherMisconfigured {
		t.Errorf("nil runner code = %d, want DispatcherMisconfigured", appErr.GetCode(err))
	}
}

func TestLocalPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{
		block:  make(chan struct{}),
		result: sandbox.JobResult{Status: sandbox.StatusPass},
	}
	pool, err := NewLocalPool(runner, LocalPoolConfig{MaxConcurrency: 2, TickInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewLocalPool() error = %v", err)
	}
	defer pool.Close()

	var futures []*Future
	for i := 0; i < 10; i++ {
		future, err := pool.Submit(context.Background(), sandbox.Job{ID: fmt.Sprintf("job-%d", i)})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		futures = append(futures, future)
	}

	// Give the drain loop time to saturate the cap, then release everyone.
	time.Sleep(50 * time.Millisecond)
	close(runner.block)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, future := range futures {
		result, err := future.Wait(ctx)
		if err != nil {
			t.Fatalf("Wait(%d) error = %v", i, err)
		}
		if result.Status != sandbox.StatusPass {
			t.Errorf("job %d status = %s, want PASS", i, result.Status)
		}
	}

	if peak := runner.peakConcurrency(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestLocalPoolClose(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{result: sandbox.JobResult{Status: sandbox.StatusPass}}
	// A long tick keeps submitted jobs queued until Close.
	pool, err := NewLocalPool(runner, LocalPoolConfig{MaxConcurrency: 1, TickInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewLocalPool() error = %v", err)
	}

	future, err := pool.Submit(context.Background(), sandbox.Job{ID: "queued"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := future.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if result.Status != sandbox.StatusError {
		t.Errorf("queued job status = %s, want ERROR after close", result.Status)
	}

	if _, err := pool.Submit(context.Background(), sandbox.Job{ID: "late"}); appErr.GetCode(err) != appErr.DispatcherClosed {
		t.Errorf("Submit() after close code = %d, want DispatcherClosed", appErr.GetCode(err))
	}
}

func TestFutureResolvesOnce(t *testing.T) {
	t.Parallel()
	future := newFuture()
	future.resolve(sandbox.JobResult{Status: sandbox.StatusPass})
	future.resolve(sandbox.JobResult{Status: sandbox.StatusFail})

	<-future.Done()
	if got := future.Result().Status; got != sandbox.StatusPass {
		t.Errorf("Result() = %s, want the first resolution to win", got)
	}
}

func TestFutureWaitHonorsContext(t *testing.T) {
	t.Parallel()
	future := newFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := future.Wait(ctx); err == nil {
		t.Error("Wait() on unresolved future with expired context returned nil error")
	}
}
