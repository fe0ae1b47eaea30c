package queue

import (
	"sync"
	"testing"
)

// testItem is a simple struct for testing the generic queue
type testItem struct {
	ID   int
	Name string
}

func TestQueue_New(t *testing.T) {
	q := New[testItem]()
	if q == nil {
		t.Fatal("expected non-nil queue")
	}
	if !q.Empty() {
		t.Error("expected empty queue")
	}
	if q.Len() != 0 {
		t.Errorf("expected length 0, got %d", q.Len())
	}
}

func TestQueue_PushSignalsReady(t *testing.T) {
	q := New[testItem]()

	if !q.Push(testItem{ID: 1, Name: "first"}) {
		t.Fatal("push on open queue should succeed")
	}
	select {
	case <-q.Ready():
	default:
		t.Fatal("expected ready signal after push")
	}

	q.Push(testItem{ID: 2}, testItem{ID: 3})
	if q.Len() != 3 {
		t.Errorf("expected length 3, got %d", q.Len())
	}
}

func TestQueue_PopOrder(t *testing.T) {
	q := New[testItem]()

	if _, ok := q.Pop(); ok {
		t.Error("expected empty pop to report !ok")
	}

	q.Push(testItem{ID: 1, Name: "first"}, testItem{ID: 2, Name: "second"})
	first, ok := q.Pop()
	if !ok || first.ID != 1 || first.Name != "first" {
		t.Errorf("expected {1, first}, got %+v", first)
	}
	second, ok := q.Pop()
	if !ok || second.ID != 2 {
		t.Errorf("expected {2, second}, got %+v", second)
	}
	if !q.Empty() {
		t.Error("expected empty queue")
	}
}

func TestQueue_Close(t *testing.T) {
	q := New[testItem]()
	q.Push(testItem{ID: 1})
	q.Close()

	if !q.Closed() {
		t.Error("expected closed queue")
	}
	if q.Push(testItem{ID: 2}) {
		t.Error("push after close should fail")
	}
	item, ok := q.Pop()
	if !ok || item.ID != 1 {
		t.Errorf("queued item should survive close, got %+v", item)
	}
}

func TestQueue_Drain(t *testing.T) {
	q := New[testItem]()
	q.Push(testItem{ID: 1}, testItem{ID: 2}, testItem{ID: 3})

	items := q.Drain()
	if len(items) != 3 {
		t.Errorf("expected 3 items, got %d", len(items))
	}
	if !q.Empty() {
		t.Error("expected empty queue after Drain")
	}
}

func TestQueue_ConcurrentPush(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			q.Push(n)
		}(i)
	}
	wg.Wait()

	if q.Len() != 100 {
		t.Errorf("expected length 100, got %d", q.Len())
	}
}
