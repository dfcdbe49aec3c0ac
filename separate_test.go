package coap

import "testing"

func TestSeparateQueueFIFO(t *testing.T) {
	q := newSeparateQueue()
	if _, ok := q.Next(); ok {
		t.Fatal("expected empty queue to report nothing")
	}

	r1, _ := NewRequest(Confirmable, GET, 1)
	r2, _ := NewRequest(Confirmable, GET, 2)
	q.Add(*r1)
	q.Add(*r2)

	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}

	got, ok := q.Next()
	if !ok || got.MessageID != 1 {
		t.Fatalf("expected first-enqueued request back first, got %+v, %v", got, ok)
	}
	got, ok = q.Next()
	if !ok || got.MessageID != 2 {
		t.Fatalf("expected second request next, got %+v, %v", got, ok)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after draining, got %d", q.Len())
	}
}
