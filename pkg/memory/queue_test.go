package memory

import (
	"errors"
	"testing"
)

func TestWriteQueue_DuplicateTokenIsNoop(t *testing.T) {
	q := newWriteQueue(4)
	w := queuedWrite{Token: "tok-1", Scope: ScopeProject}
	if err := q.push(w); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.push(w); err != nil {
		t.Fatalf("duplicate push: %v", err)
	}
	if got := q.depth(); got != 1 {
		t.Fatalf("depth = %d, want 1", got)
	}
}

func TestWriteQueue_RejectsWhenFull(t *testing.T) {
	q := newWriteQueue(2)
	for i, tok := range []string{"a", "b"} {
		if err := q.push(queuedWrite{Token: tok}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := q.push(queuedWrite{Token: "c"}); err == nil {
		t.Fatal("expected error on full queue")
	}
}

func TestWriteQueue_DrainPreservesOrder(t *testing.T) {
	q := newWriteQueue(8)
	for _, tok := range []string{"a", "b", "c"} {
		if err := q.push(queuedWrite{Token: tok}); err != nil {
			t.Fatalf("push %s: %v", tok, err)
		}
	}
	var seen []string
	if err := q.drain(func(w queuedWrite) error {
		seen = append(seen, w.Token)
		return nil
	}); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(seen) != 3 || seen[0] != "a" || seen[1] != "b" || seen[2] != "c" {
		t.Fatalf("drain order = %v", seen)
	}
	if q.depth() != 0 {
		t.Fatalf("depth after drain = %d, want 0", q.depth())
	}
}

func TestWriteQueue_DrainStopsAtFirstFailure(t *testing.T) {
	q := newWriteQueue(8)
	for _, tok := range []string{"a", "b", "c"} {
		if err := q.push(queuedWrite{Token: tok}); err != nil {
			t.Fatalf("push %s: %v", tok, err)
		}
	}
	boom := errors.New("backend down")
	err := q.drain(func(w queuedWrite) error {
		if w.Token == "b" {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("drain error = %v, want %v", err, boom)
	}
	if got := q.depth(); got != 2 {
		t.Fatalf("depth after partial drain = %d, want 2", got)
	}
	if got := q.failureCount(); got != 1 {
		t.Fatalf("failures = %d, want 1", got)
	}
}

func TestContentToken_Stable(t *testing.T) {
	a := Record{Scope: ScopeProject, Type: TypeFact, Content: "JWT tokens expire after 24 hours"}
	b := Record{Scope: ScopeProject, Type: TypeFact, Content: "  jwt tokens expire after 24 hours "}
	if contentToken(a) != contentToken(b) {
		t.Fatal("token should be case and whitespace insensitive")
	}
	c := Record{Scope: ScopeUser, Type: TypeFact, Content: "JWT tokens expire after 24 hours"}
	if contentToken(a) == contentToken(c) {
		t.Fatal("token should differ across scopes")
	}
}
