package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestOperationTrackerCloseRejectsNewOperations(t *testing.T) {
	tr := NewOperationTracker()
	if !tr.Start() {
		t.Fatal("Start() = false before Close")
	}
	tr.Close()
	if tr.Start() {
		t.Error("Start() = true after Close")
	}
	if got := tr.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() = %d, want 1", got)
	}
	tr.Done()
	if err := tr.Wait(context.Background()); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}

func TestOperationTrackerWaitForInFlight(t *testing.T) {
	tr := NewOperationTracker()
	for i := 0; i < 3; i++ {
		tr.Start()
	}
	tr.Close()

	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(10 * time.Millisecond)
			tr.Done()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if tr.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", tr.ActiveCount())
	}
}

func TestOperationTrackerWaitTimeout(t *testing.T) {
	tr := NewOperationTracker()
	tr.Start()
	defer tr.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tr.Wait(ctx); !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("Wait() error = %v, want ErrWaitTimeout", err)
	}
}

func TestOperationTrackerConcurrentStartWithClose(t *testing.T) {
	tr := NewOperationTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Start() {
				time.Sleep(time.Millisecond)
				tr.Done()
			}
		}()
	}
	tr.Close()
	wg.Wait()

	if err := tr.Wait(context.Background()); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
	if !tr.IsClosed() {
		t.Error("IsClosed() = false")
	}
}

func TestSignalCounter(t *testing.T) {
	forced := 0
	sc := NewSignalCounter(2, func() { forced++ })

	if got := sc.Increment(); got != 1 || forced != 0 {
		t.Errorf("first Increment() = %d, forced = %d", got, forced)
	}
	if got := sc.Increment(); got != 2 || forced != 1 {
		t.Errorf("second Increment() = %d, forced = %d", got, forced)
	}
	sc.Increment()
	if forced != 2 || sc.Count() != 3 {
		t.Errorf("forced = %d, Count() = %d", forced, sc.Count())
	}

	never := NewSignalCounter(0, func() { t.Error("onForce called with zero threshold") })
	never.Increment()
}
