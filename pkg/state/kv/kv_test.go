package kv

import (
	"errors"
	"testing"
)

func TestStore_ApplySnapshotRestore(t *testing.T) {
	s := New()
	steps := []struct{ op, want string }{
		{"SET a 1", "1"},
		{"APPEND a 23", "123"},
		{"SET b hello world", "hello world"},
		{"GET a", "123"},
		{"DEL a", "123"},
		{"GET a", ""},
	}
	for _, st := range steps {
		got, err := s.Apply(st.op)
		if err != nil {
			t.Fatalf("%q: %v", st.op, err)
		}
		if got != st.want {
			t.Fatalf("%q: got %q want %q", st.op, got, st.want)
		}
	}

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	s2 := New()
	if err := s2.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	snap2, _ := s2.Snapshot()
	if string(snap2) != string(snap) {
		t.Fatalf("round-trip mismatch:\n got: %s\nwant: %s", snap2, snap)
	}
	if v, ok := s2.Get("b"); !ok || v != "hello world" {
		t.Fatalf("restored b = %q %v", v, ok)
	}
}

func TestStore_RejectsMalformed(t *testing.T) {
	s := New()
	for _, op := range []string{"", "SET", "SET k", "GET", "FLY away", "DEL a b"} {
		if _, err := s.Apply(op); !errors.Is(err, ErrBadOp) {
			t.Fatalf("%q: expected ErrBadOp, got %v", op, err)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("malformed ops changed state")
	}
	if err := s.Restore([]byte(`{"version":2}`)); err == nil {
		t.Fatalf("expected error for unknown snapshot version")
	}
}
