package store

import (
	"path/filepath"
	"testing"
	"time"
)

// testNow is a fixed commit time for deterministic tests.
var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestMessage creates an operation message for target.
func createTestMessage(target, id string) Message {
	return Message{
		Target:  target,
		ID:      id,
		Name:    "op",
		Payload: []byte(`{"op":"add","id":"` + id + `"}`),
	}
}

// mustSend sends messages and fails the test on error.
func mustSend(t *testing.T, s *Store, msgs ...Message) int {
	t.Helper()
	n, err := s.Send(t.Context(), testNow, msgs...)
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	return n
}
