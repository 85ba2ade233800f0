package pondhub

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func drainQueue(t *testing.T, q *queue[int]) []int {
	t.Helper()

	var items []int
	for q.length() > 0 {
		item, err := q.pop(context.Background(), nil)
		if err != nil {
			t.Fatalf("pop failed: %v", err)
		}
		items = append(items, item)
	}
	return items
}

func TestQueueFullModes(t *testing.T) {
	ctx := context.Background()

	fill := func(q *queue[int]) {
		_ = q.push(ctx, 1)
		_ = q.push(ctx, 2)
	}

	t.Run("drop oldest", func(t *testing.T) {
		var dropped []int
		q := newQueue[int](2, FullModeDropOldest, func(i int) { dropped = append(dropped, i) })
		fill(q)

		if err := q.push(ctx, 3); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := drainQueue(t, q); !slices.Equal(got, []int{2, 3}) {
			t.Errorf("expected [2 3], got %v", got)
		}
		if !slices.Equal(dropped, []int{1}) {
			t.Errorf("expected 1 dropped, got %v", dropped)
		}
	})

	t.Run("drop newest", func(t *testing.T) {
		var dropped []int
		q := newQueue[int](2, FullModeDropNewest, func(i int) { dropped = append(dropped, i) })
		fill(q)

		_ = q.push(ctx, 3)

		if got := drainQueue(t, q); !slices.Equal(got, []int{1, 3}) {
			t.Errorf("expected [1 3], got %v", got)
		}
		if !slices.Equal(dropped, []int{2}) {
			t.Errorf("expected 2 dropped, got %v", dropped)
		}
	})

	t.Run("drop write", func(t *testing.T) {
		var dropped []int
		q := newQueue[int](2, FullModeDropWrite, func(i int) { dropped = append(dropped, i) })
		fill(q)

		_ = q.push(ctx, 3)

		if got := drainQueue(t, q); !slices.Equal(got, []int{1, 2}) {
			t.Errorf("expected [1 2], got %v", got)
		}
		if !slices.Equal(dropped, []int{3}) {
			t.Errorf("expected 3 dropped, got %v", dropped)
		}
	})

	t.Run("reject", func(t *testing.T) {
		q := newQueue[int](2, FullModeReject, nil)
		fill(q)

		if err := q.push(ctx, 3); !errors.Is(err, errQueueFull) {
			t.Errorf("expected errQueueFull, got %v", err)
		}
	})

	t.Run("wait resumes when space frees up", func(t *testing.T) {
		q := newQueue[int](2, FullModeWait, nil)
		fill(q)

		done := make(chan error, 1)
		go func() {
			done <- q.push(ctx, 3)
		}()
		time.Sleep(10 * time.Millisecond)

		if item, _ := q.pop(ctx, nil); item != 1 {
			t.Fatalf("expected 1, got %d", item)
		}
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("push did not resume")
		}
		if got := drainQueue(t, q); !slices.Equal(got, []int{2, 3}) {
			t.Errorf("expected [2 3], got %v", got)
		}
	})

	t.Run("wait fails when the queue closes", func(t *testing.T) {
		q := newQueue[int](1, FullModeWait, nil)
		_ = q.push(ctx, 1)

		done := make(chan error, 1)
		go func() {
			done <- q.push(ctx, 2)
		}()
		time.Sleep(10 * time.Millisecond)
		q.close()

		select {
		case err := <-done:
			if !errors.Is(err, errQueueClosed) {
				t.Fatalf("expected errQueueClosed, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("push did not return")
		}
	})
}

func TestQueuePop(t *testing.T) {
	ctx := context.Background()

	t.Run("is FIFO across compaction", func(t *testing.T) {
		q := newQueue[int](0, FullModeWait, nil)

		for i := 0; i < 3*compactThreshold; i++ {
			_ = q.push(ctx, i)
		}
		for i := 0; i < 3*compactThreshold; i++ {
			item, err := q.pop(ctx, nil)
			if err != nil || item != i {
				t.Fatalf("expected %d, got %d (%v)", i, item, err)
			}
		}
	})

	t.Run("returns queued items after close", func(t *testing.T) {
		q := newQueue[int](0, FullModeWait, nil)
		_ = q.push(ctx, 7)

		if !q.close() {
			t.Fatal("expected first close to report true")
		}
		if q.close() {
			t.Fatal("expected second close to report false")
		}
		if item, err := q.pop(ctx, nil); err != nil || item != 7 {
			t.Fatalf("expected 7, got %d (%v)", item, err)
		}
		if _, err := q.pop(ctx, nil); !errors.Is(err, errQueueClosed) {
			t.Fatalf("expected errQueueClosed, got %v", err)
		}
		if err := q.push(ctx, 8); !errors.Is(err, errQueueClosed) {
			t.Fatalf("expected errQueueClosed on push, got %v", err)
		}
	})

	t.Run("stops when done closes", func(t *testing.T) {
		q := newQueue[int](0, FullModeWait, nil)
		done := make(chan struct{})
		close(done)

		if _, err := q.pop(ctx, done); !errors.Is(err, errQueueDone) {
			t.Fatalf("expected errQueueDone, got %v", err)
		}
	})

	t.Run("stops when the context ends", func(t *testing.T) {
		q := newQueue[int](0, FullModeWait, nil)

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		if _, err := q.pop(cctx, nil); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}
