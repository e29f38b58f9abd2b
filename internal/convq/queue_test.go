package convq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFOWithinKey(t *testing.T) {
	q := New()
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// Enqueue sequentially so arrival order is defined, run concurrently.
	for i := 0; i < 20; i++ {
		i := i
		started := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			close(started)
			q.Do(context.Background(), "k", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		<-started
		// Give the goroutine time to claim its slot in the chain.
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d (full: %v)", i, v, i, order)
		}
	}
}

func TestQueue_FailureDoesNotPoisonChain(t *testing.T) {
	q := New()
	boom := errors.New("boom")

	if err := q.Do(context.Background(), "k", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	ran := false
	if err := q.Do(context.Background(), "k", func(context.Context) error { ran = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("subsequent work did not run after failure")
	}
}

func TestQueue_KeysIndependent(t *testing.T) {
	q := New()
	block := make(chan struct{})
	done := make(chan struct{})

	go q.Do(context.Background(), "a", func(context.Context) error {
		<-block
		return nil
	})
	time.Sleep(5 * time.Millisecond)

	go func() {
		q.Do(context.Background(), "b", func(context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("key b blocked behind key a")
	}
	close(block)
}

func TestQueue_TailRemoved(t *testing.T) {
	q := New()
	q.Do(context.Background(), "k", func(context.Context) error { return nil })
	if q.Busy("k") {
		t.Fatal("tail entry not removed after completion")
	}
}

func TestQueue_ContextCanceledPreservesOrder(t *testing.T) {
	q := New()
	block := make(chan struct{})
	go q.Do(context.Background(), "k", func(context.Context) error {
		<-block
		return nil
	})
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Do(ctx, "k", func(context.Context) error { return nil })
	}()

	time.Sleep(5 * time.Millisecond)
	close(block)
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
