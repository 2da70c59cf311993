package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrentCallsShareOneExecution(t *testing.T) {
	ctx := context.Background()
	var g Group[int]
	var execs atomic.Int32

	const callers = 20
	start := make(chan struct{})
	var wg sync.WaitGroup
	var coalesced atomic.Int32
	results := make([]int, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			v, shared, err := g.Do(ctx, "fp", func(context.Context) (int, error) {
				execs.Add(1)
				time.Sleep(100 * time.Millisecond)
				return 42, nil
			})
			results[i], errs[i] = v, err
			if shared {
				coalesced.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if n := execs.Load(); n != 1 {
		t.Fatalf("executions=%d want 1", n)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil || results[i] != 42 {
			t.Fatalf("caller %d: v=%d err=%v", i, results[i], errs[i])
		}
	}
	if c := coalesced.Load(); c != callers-1 {
		t.Fatalf("coalesced=%d want %d", c, callers-1)
	}

	st := g.Stats()
	if st.Requests != callers || st.Executions != 1 || st.Coalesced != callers-1 {
		t.Fatalf("stats=%+v", st)
	}
	if st.InFlight != 0 {
		t.Fatalf("in-flight should drain to 0, got %d", st.InFlight)
	}
}

func TestErrorBroadcastAndNotRetained(t *testing.T) {
	ctx := context.Background()
	var g Group[string]
	var execs atomic.Int32
	boom := errors.New("boom")

	const callers = 5
	start := make(chan struct{})
	var wg sync.WaitGroup
	errsOut := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, _, err := g.Do(ctx, "fp", func(context.Context) (string, error) {
				execs.Add(1)
				time.Sleep(50 * time.Millisecond)
				return "", boom
			})
			errsOut[i] = err
		}(i)
	}
	close(start)
	wg.Wait()

	if n := execs.Load(); n != 1 {
		t.Fatalf("executions=%d want 1", n)
	}
	for i, err := range errsOut {
		if !errors.Is(err, boom) {
			t.Fatalf("caller %d: err=%v want boom", i, err)
		}
	}

	// a failed flight leaves nothing behind; the next call runs again
	v, shared, err := g.Do(ctx, "fp", func(context.Context) (string, error) {
		execs.Add(1)
		return "ok", nil
	})
	if err != nil || v != "ok" || shared {
		t.Fatalf("retry: v=%q shared=%v err=%v", v, shared, err)
	}
	if n := execs.Load(); n != 2 {
		t.Fatalf("executions=%d want 2", n)
	}
}

func TestCompletionIsHardCutover(t *testing.T) {
	ctx := context.Background()
	var g Group[int]
	var execs atomic.Int32

	for i := 0; i < 3; i++ {
		v, shared, err := g.Do(ctx, "fp", func(context.Context) (int, error) {
			execs.Add(1)
			return i, nil
		})
		if err != nil || v != i || shared {
			t.Fatalf("call %d: v=%d shared=%v err=%v", i, v, shared, err)
		}
	}
	if n := execs.Load(); n != 3 {
		t.Fatalf("sequential calls must each execute, got %d", n)
	}
}

func TestWaiterTimeoutDoesNotCancelSharedWork(t *testing.T) {
	var g Group[int]
	release := make(chan struct{})
	fnCtxErr := make(chan error, 1)

	slowCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		started := time.Now()
		_, _, err := g.Do(slowCtx, "fp", func(fnCtx context.Context) (int, error) {
			<-release
			fnCtxErr <- fnCtx.Err()
			return 7, nil
		})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("timed-out caller: err=%v", err)
		}
		if d := time.Since(started); d > 500*time.Millisecond {
			t.Errorf("timed-out caller released too late: %v", d)
		}
	}()

	<-done // caller gone, execution still parked on release

	if g.InFlight() != 1 {
		t.Fatalf("execution should still be in flight, gauge=%d", g.InFlight())
	}

	// a second caller attaches to the surviving execution
	got := make(chan int, 1)
	go func() {
		v, _, err := g.Do(context.Background(), "fp", func(context.Context) (int, error) {
			t.Error("second caller must attach, not execute")
			return 0, nil
		})
		if err != nil {
			t.Errorf("second caller: %v", err)
		}
		got <- v
	}()

	time.Sleep(20 * time.Millisecond) // let the second caller attach
	close(release)

	select {
	case v := <-got:
		if v != 7 {
			t.Fatalf("second caller got %d want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("second caller never released")
	}

	if err := <-fnCtxErr; err != nil {
		t.Fatalf("shared execution saw cancellation: %v", err)
	}
}

func TestForgetStartsFreshExecution(t *testing.T) {
	ctx := context.Background()
	var g Group[int]
	block := make(chan struct{})
	var execs atomic.Int32

	go func() {
		_, _, _ = g.Do(ctx, "fp", func(context.Context) (int, error) {
			execs.Add(1)
			<-block
			return 1, nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	g.Forget("fp")
	v, _, err := g.Do(ctx, "fp", func(context.Context) (int, error) {
		execs.Add(1)
		return 2, nil
	})
	close(block)
	if err != nil || v != 2 {
		t.Fatalf("post-forget call: v=%d err=%v", v, err)
	}
	if n := execs.Load(); n != 2 {
		t.Fatalf("executions=%d want 2", n)
	}
}
