package dispatcher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestDispatchReturnsResult(t *testing.T) {
	d := New([]int{0}, 4)
	defer d.Stop()

	v, err := d.Dispatch(0, OpRead, func() (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if v.(int) != 42 {
		t.Errorf("got %v, want 42", v)
	}
}

func TestDispatchPropagatesError(t *testing.T) {
	d := New([]int{0}, 4)
	defer d.Stop()

	wantErr := fmt.Errorf("backend failure")
	_, err := d.Dispatch(0, OpWrite, func() (any, error) {
		return nil, wantErr
	})
	if err != wantErr {
		t.Errorf("got %v, want %v", err, wantErr)
	}
}

func TestDispatchUnknownCoreFails(t *testing.T) {
	d := New([]int{0}, 4)
	defer d.Stop()

	if _, err := d.Dispatch(99, OpRead, func() (any, error) { return nil, nil }); err == nil {
		t.Error("expected error dispatching to an unknown core")
	}
}

func TestEveryMessageOnCoreRunsExactlyOnce(t *testing.T) {
	d := New([]int{0}, 16)
	defer d.Stop()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			d.Dispatch(0, OpWrite, func() (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}()
	}
	wg.Wait()

	// We can't control goroutine scheduling order of the posting
	// goroutines, but every message that IS posted on core 0 must run
	// exactly once and to completion: 20 entries, no duplicates.
	if len(order) != 20 {
		t.Fatalf("expected 20 completed messages, got %d", len(order))
	}
	seen := make(map[int]bool)
	for _, v := range order {
		if seen[v] {
			t.Fatalf("message %d ran more than once", v)
		}
		seen[v] = true
	}
}

func TestDispatchAfterStopFails(t *testing.T) {
	d := New([]int{0}, 4)
	d.Stop()

	if _, err := d.Dispatch(0, OpRead, func() (any, error) { return nil, nil }); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestCrossCoreIndependence(t *testing.T) {
	d := New([]int{0, 1}, 4)
	defer d.Stop()

	var counter int64
	var wg sync.WaitGroup
	for _, core := range []int{0, 1} {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			core := core
			go func() {
				defer wg.Done()
				d.Dispatch(core, OpWrite, func() (any, error) {
					atomic.AddInt64(&counter, 1)
					return nil, nil
				})
			}()
		}
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != 20 {
		t.Errorf("expected 20 completed ops across both cores, got %d", counter)
	}
}
