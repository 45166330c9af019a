package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStopper struct {
	stopped atomic.Bool
	delay   time.Duration
	err     error
}

func (f *fakeStopper) Stop() error {
	time.Sleep(f.delay)
	f.stopped.Store(true)
	return f.err
}

type fakeCloser struct{ closed bool }

func (f *fakeCloser) Close() error {
	f.closed = true
	return nil
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if err := (Config{Timeout: -time.Second}).Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("negative timeout: got %v", err)
	}
}

func TestShutdown_PhasesInOrder(t *testing.T) {
	coord := NewCoordinator(DefaultConfig(), nil)

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	coord.RegisterFunc("storage", PhaseStorage, record("storage"))
	coord.RegisterFunc("admin", PhaseIntake, record("admin"))
	coord.RegisterFunc("hub", PhaseRegistry, record("hub"))
	coord.RegisterFunc("scheduler", PhaseSchedule, record("scheduler"))

	if err := coord.ShutdownWithTimeout("test"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	want := []string{"admin", "scheduler", "hub", "storage"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	result := coord.Result()
	if result == nil || result.Reason != "test" || len(result.Handlers) != 4 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestShutdown_SamePhaseRunsConcurrently(t *testing.T) {
	coord := NewCoordinator(DefaultConfig(), nil)

	var running, peak atomic.Int32
	slow := func(context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return nil
	}
	coord.RegisterFunc("hub", PhaseRegistry, slow)
	coord.RegisterFunc("monitor", PhaseRegistry, slow)

	if err := coord.ShutdownWithTimeout("test"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if peak.Load() != 2 {
		t.Fatalf("peak concurrency = %d, want 2", peak.Load())
	}
}

func TestShutdown_HandlerFailure(t *testing.T) {
	boom := errors.New("boom")

	t.Run("continue", func(t *testing.T) {
		coord := NewCoordinator(DefaultConfig(), nil)
		later := false
		coord.RegisterFunc("bad", PhaseSchedule, func(context.Context) error { return boom })
		coord.RegisterFunc("later", PhaseStorage, func(context.Context) error { later = true; return nil })

		err := coord.ShutdownWithTimeout("test")
		if !errors.Is(err, ErrHandlerFailed) {
			t.Fatalf("err = %v, want ErrHandlerFailed", err)
		}
		if !later {
			t.Fatal("later phase skipped")
		}
		failed := coord.Result().FailedHandlers()
		if len(failed) != 1 || failed[0] != "bad" {
			t.Fatalf("failed handlers = %v", failed)
		}
	})

	t.Run("stop", func(t *testing.T) {
		coord := NewCoordinator(Config{ContinueOnError: false}, nil)
		later := false
		coord.RegisterFunc("bad", PhaseSchedule, func(context.Context) error { return boom })
		coord.RegisterFunc("later", PhaseStorage, func(context.Context) error { later = true; return nil })

		if err := coord.ShutdownWithTimeout("test"); !errors.Is(err, ErrHandlerFailed) {
			t.Fatalf("err = %v", err)
		}
		if later {
			t.Fatal("later phase ran after a failure")
		}
	})
}

func TestShutdown_Timeout(t *testing.T) {
	coord := NewCoordinator(Config{Timeout: 30 * time.Millisecond, ContinueOnError: true}, nil)
	coord.Register("slow", PhaseRegistry, Stop(&fakeStopper{delay: time.Second}))
	after := false
	coord.RegisterFunc("after", PhaseStorage, func(context.Context) error { after = true; return nil })

	err := coord.ShutdownWithTimeout("test")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if after {
		t.Fatal("phase after the deadline ran")
	}
	if hr := coord.Result().Handlers[0]; !errors.Is(hr.Err, context.DeadlineExceeded) {
		t.Fatalf("slow handler err = %v", hr.Err)
	}
}

func TestShutdown_OnlyOnce(t *testing.T) {
	coord := NewCoordinator(DefaultConfig(), nil)
	var calls atomic.Int32
	coord.RegisterFunc("count", PhaseIntake, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = coord.ShutdownWithTimeout("test")
		}()
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times", calls.Load())
	}
	if err := coord.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
}

func TestTrigger(t *testing.T) {
	coord := NewCoordinator(DefaultConfig(), nil)
	st := &fakeStopper{}
	cl := &fakeCloser{}
	coord.Register("hub", PhaseRegistry, Stop(st))
	coord.Register("records", PhaseStorage, Close(cl))

	if coord.Err() != nil || coord.Result() != nil {
		t.Fatal("result available before shutdown")
	}
	coord.Trigger("shutdown_request")

	select {
	case <-coord.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	if !st.stopped.Load() || !cl.closed {
		t.Fatal("handlers not run")
	}
	if coord.Result().Reason != "shutdown_request" {
		t.Fatalf("reason = %q", coord.Result().Reason)
	}
}

func TestHandleSignals_StopsWithContext(t *testing.T) {
	coord := NewCoordinator(DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	coord.HandleSignals(ctx)
	cancel()

	select {
	case <-coord.Done():
		t.Fatal("canceling the signal context must not shut down")
	case <-time.After(20 * time.Millisecond):
	}
}
