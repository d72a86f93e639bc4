package cmdqueue

import (
	"testing"
	"time"
)

func TestEnqueueReportsHeadOnFirstEntry(t *testing.T) {
	q := New()
	_, isHead := q.Enqueue("AT+CSQ", 0)
	if !isHead {
		t.Fatalf("expected first enqueue to report isHead=true")
	}
	_, isHead = q.Enqueue("AT+CREG?", 0)
	if isHead {
		t.Fatalf("expected second enqueue to report isHead=false")
	}
}

func TestEnqueueUniqueSkipsDuplicateText(t *testing.T) {
	q := New()
	q.Enqueue("AT+CSQ", 0)
	_, shouldWrite, added := q.EnqueueUnique("AT+CSQ", 0)
	if added || shouldWrite {
		t.Fatalf("expected duplicate EnqueueUnique to be a no-op")
	}
	if q.Len() != 1 {
		t.Fatalf("expected queue length 1, got %d", q.Len())
	}
}

func TestPopMaintainsFIFOOrder(t *testing.T) {
	q := New()
	q.Enqueue("first", 0)
	q.Enqueue("second", 0)
	q.MarkWritten(time.Now().Add(5 * time.Second))

	if !q.Head().Written() {
		t.Fatalf("expected head to be marked written")
	}
	popped := q.Pop()
	if popped.Text != "first" {
		t.Fatalf("expected to pop %q first, got %q", "first", popped.Text)
	}
	if q.Head().Text != "second" {
		t.Fatalf("expected new head %q, got %q", "second", q.Head().Text)
	}
	if q.Head().Written() {
		t.Fatalf("new head should not be marked written yet")
	}
}
