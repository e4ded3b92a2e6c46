package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startGate(t *testing.T, opts Options) *Gate {
	t.Helper()
	g := New(opts)
	g.Start(context.Background())
	t.Cleanup(g.Stop)
	return g
}

func TestRunFromOtherGoroutineSchedules(t *testing.T) {
	g := startGate(t, Options{})

	var ranOnOwner atomic.Bool
	status, err := g.Run(context.Background(), "allocate-core", func(ctx context.Context) error {
		ranOnOwner.Store(g.OnOwner(ctx))
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusScheduled {
		t.Fatalf("expected %s, got %s", StatusScheduled, status)
	}

	if err := g.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if !ranOnOwner.Load() {
		t.Error("expected operation to run on the owner")
	}
	if g.Pending("allocate-core") {
		t.Error("expected in-flight flag cleared after run")
	}
}

func TestRunOnOwnerCompletesInline(t *testing.T) {
	g := startGate(t, Options{})
	want := errors.New("apply failed")

	err := g.Do(context.Background(), func(ctx context.Context) error {
		status, err := g.Run(ctx, "apply", func(context.Context) error { return want })
		if status != StatusCompleted {
			t.Errorf("expected %s, got %s", StatusCompleted, status)
		}
		return err
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestDuplicateInvocationsCollapse(t *testing.T) {
	g := startGate(t, Options{})

	release := make(chan struct{})
	var executions atomic.Int32
	op := func(context.Context) error {
		executions.Add(1)
		<-release
		return nil
	}

	const callers = 32
	statuses := make(chan Status, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _ := g.Run(context.Background(), "allocate-core", op)
			statuses <- status
		}()
	}
	wg.Wait()
	close(statuses)

	counts := map[Status]int{}
	for s := range statuses {
		counts[s]++
	}
	if counts[StatusScheduled] != 1 || counts[StatusSuppressed] != callers-1 {
		t.Fatalf("expected 1 scheduled and %d suppressed, got %v", callers-1, counts)
	}

	close(release)
	if err := g.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if n := executions.Load(); n != 1 {
		t.Errorf("expected exactly 1 execution, got %d", n)
	}
}

func TestSuppressedWhileRunningOnOwner(t *testing.T) {
	g := startGate(t, Options{})

	err := g.Do(context.Background(), func(ctx context.Context) error {
		_, err := g.Run(ctx, "allocate-core", func(ctx context.Context) error {
			status, _ := g.Run(ctx, "allocate-core", func(context.Context) error {
				t.Error("nested duplicate must not run")
				return nil
			})
			if status != StatusSuppressed {
				t.Errorf("expected %s, got %s", StatusSuppressed, status)
			}
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDistinctNamesIndependent(t *testing.T) {
	g := startGate(t, Options{})

	block := make(chan struct{})
	s1, _ := g.Run(context.Background(), "a", func(context.Context) error { <-block; return nil })
	s2, _ := g.Run(context.Background(), "b", func(context.Context) error { return nil })
	close(block)

	if s1 != StatusScheduled || s2 != StatusScheduled {
		t.Errorf("expected both scheduled, got %s and %s", s1, s2)
	}
	if err := g.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
}

func TestFIFOOrder(t *testing.T) {
	g := startGate(t, Options{})

	var mu sync.Mutex
	var order []string
	record := func(name string) Op {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	for _, name := range []string{"first", "second", "third"} {
		if _, err := g.Run(context.Background(), name, record(name)); err != nil {
			t.Fatalf("run failed: %v", err)
		}
	}
	if err := g.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Errorf("unexpected order %v", order)
	}
}

func TestScheduledResultAndPanic(t *testing.T) {
	results := make(chan error, 2)
	g := startGate(t, Options{OnResult: func(name string, err error) { results <- err }})

	_, _ = g.Run(context.Background(), "fails", func(context.Context) error { return errors.New("boom") })
	_, _ = g.Run(context.Background(), "panics", func(context.Context) error { panic("bad state") })

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err == nil {
				t.Error("expected error result")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}

	if g.Pending("panics") {
		t.Error("expected flag cleared after panic")
	}
}

func TestStoppedGate(t *testing.T) {
	g := New(Options{})

	status, err := g.Run(context.Background(), "x", func(context.Context) error { return nil })
	if !errors.Is(err, ErrClosed) || status != StatusSuppressed {
		t.Fatalf("expected ErrClosed, got %s %v", status, err)
	}
	if g.Pending("x") {
		t.Error("expected flag reset after rejected submission")
	}
}

func TestStopDrainsQueue(t *testing.T) {
	g := New(Options{})
	g.Start(context.Background())

	var ran atomic.Int32
	block := make(chan struct{})
	_, _ = g.Run(context.Background(), "block", func(context.Context) error { <-block; return nil })
	for _, name := range []string{"a", "b", "c"} {
		_, _ = g.Run(context.Background(), name, func(context.Context) error { ran.Add(1); return nil })
	}
	close(block)
	g.Stop()

	if ran.Load() != 3 {
		t.Errorf("expected queued operations to run before stop, got %d", ran.Load())
	}
}
