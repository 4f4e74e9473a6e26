package primitives

import (
	"testing"
	"time"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestExpiryQueue_PushPop(t *testing.T) {
	q := NewExpiryQueue[string]()
	q.Push("a", base.Add(3*time.Second))
	q.Push("b", base.Add(1*time.Second))
	q.Push("c", base.Add(2*time.Second))

	expected := []string{"b", "c", "a"}
	for _, want := range expected {
		got := q.Pop()
		if got != want {
			t.Errorf("pop: expected %s, got %s", want, got)
		}
	}
}

func TestExpiryQueue_DuplicateUpdate(t *testing.T) {
	q := NewExpiryQueue[string]()
	q.Push("a", base.Add(3*time.Second))
	q.Push("b", base.Add(2*time.Second))
	q.Push("a", base.Add(1*time.Second)) // update deadline
	if q.Pop() != "a" {
		t.Error("expected a after deadline update")
	}
	if q.Pop() != "b" {
		t.Error("expected b after updated item is popped")
	}
	if _, ok := q.Peek(); ok {
		t.Error("expected queue to be empty after pop")
	}
}

func TestExpiryQueue_Peek(t *testing.T) {
	q := NewExpiryQueue[string]()
	if v, ok := q.Peek(); ok || v != "" {
		t.Error("peek on empty queue should return zero value and false")
	}
	q.Push("x", base.Add(2*time.Second))
	q.Push("y", base.Add(1*time.Second))
	if v, ok := q.Peek(); !ok || v != "y" {
		t.Errorf("peek: expected y, got %s", v)
	}
}

func TestExpiryQueue_Remove(t *testing.T) {
	q := NewExpiryQueue[string]()
	q.Push("a", base.Add(1*time.Second))
	q.Push("b", base.Add(2*time.Second))
	if !q.Remove("a") {
		t.Error("expected remove to succeed for present value")
	}
	if q.Remove("a") {
		t.Error("expected remove to fail for absent value")
	}
	if v, ok := q.Peek(); !ok || v != "b" {
		t.Errorf("peek after remove: expected b, got %s", v)
	}
}

func TestExpiryQueue_PopExpired(t *testing.T) {
	q := NewExpiryQueue[string]()
	q.Push("a", base.Add(1*time.Second))
	q.Push("b", base.Add(2*time.Second))
	q.Push("c", base.Add(10*time.Second))

	expired := q.PopExpired(base.Add(5 * time.Second))
	if len(expired) != 2 || expired[0] != "a" || expired[1] != "b" {
		t.Errorf("expected [a b], got %v", expired)
	}
	if q.Len() != 1 {
		t.Errorf("expected 1 remaining, got %d", q.Len())
	}

	if expired := q.PopExpired(base.Add(5 * time.Second)); expired != nil {
		t.Errorf("expected no further expiries, got %v", expired)
	}
}
