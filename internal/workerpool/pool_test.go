package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func submit(t *testing.T, p *Pool, task Task) {
	t.Helper()
	if err := p.SubmitWait(context.Background(), task); err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
}

func shutdown(p *Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)
}

func TestSubmitAndDrain(t *testing.T) {
	p := New(2, 10, nil)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		submit(t, p, func() { count.Add(1) })
	}
	shutdown(p)

	if got := count.Load(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestSubmitWaitBlocksUntilQueueHasRoom(t *testing.T) {
	p := New(1, 1, nil)
	var count atomic.Int32

	for i := 0; i < 20; i++ {
		submit(t, p, func() { count.Add(1) })
	}
	shutdown(p)

	if got := count.Load(); got != 20 {
		t.Fatalf("count = %d, want 20", got)
	}
}

func TestSubmitWaitHonoursContext(t *testing.T) {
	p := New(1, 1, nil)
	blocker := make(chan struct{})
	submit(t, p, func() { <-blocker })
	time.Sleep(10 * time.Millisecond) // let the worker pick up the blocker
	submit(t, p, func() {})           // fills the queue (size 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.SubmitWait(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}

	close(blocker)
	shutdown(p)
}

func TestSubmitWaitAfterShutdown(t *testing.T) {
	p := New(1, 1, nil)
	shutdown(p)

	if err := p.SubmitWait(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestDrainWithoutStopAcceptingAutoStops(t *testing.T) {
	p := New(1, 10, nil)
	submit(t, p, func() {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Drain(ctx)

	if err := p.SubmitWait(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v after Drain, want ErrStopped", err)
	}
}

func TestDrainRespectsContextDeadline(t *testing.T) {
	p := New(1, 10, nil)
	blocker := make(chan struct{})
	submit(t, p, func() { <-blocker })

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p.Shutdown(ctx)
	elapsed := time.Since(start)

	if elapsed > 500*time.Millisecond {
		t.Fatalf("Drain should have timed out in ~100ms, took %v", elapsed)
	}

	close(blocker)
}

func TestSingleWorkerDrainDoesNotDeadlock(t *testing.T) {
	p := New(1, 10, nil)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		submit(t, p, func() {
			time.Sleep(1 * time.Millisecond)
			count.Add(1)
		})
	}
	shutdown(p)

	if got := count.Load(); got != 5 {
		t.Fatalf("single-worker drain: count = %d, want 5", got)
	}
}

func TestPanicRecovery(t *testing.T) {
	p := New(1, 10, nil)
	var count atomic.Int32

	submit(t, p, func() { panic("test panic") })
	submit(t, p, func() { count.Add(1) })
	shutdown(p)

	if got := count.Load(); got != 1 {
		t.Fatalf("task after panic: count = %d, want 1", got)
	}
}
