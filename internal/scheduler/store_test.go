package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	code := 0
	now := time.Now().UTC().Truncate(time.Second)
	sess := &Session{
		SessionID:  "33333333-3333-3333-3333-333333333333",
		Role:       "Architect",
		IssueID:    "FEAT-0007",
		State:      StateCompleted,
		PID:        1234,
		StartedAt:  now,
		FinishedAt: &now,
		ExitCode:   &code,
		LogPath:    "/tmp/x.log",
		Engine:     "claude",
		TimeoutSec: 900,
		Metadata:   map[string]any{"source": "memo"},
	}
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load(sess.SessionID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Role != "Architect" || got.State != StateCompleted || got.PID != 1234 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", got.ExitCode)
	}
	if !got.StartedAt.Equal(now) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, now)
	}
}

func TestStore_ListSkipsGarbage(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	good := &Session{SessionID: "aaa", Role: "Engineer", State: StateRunning, StartedAt: time.Now()}
	if err := store.Save(good); err != nil {
		t.Fatal(err)
	}
	// A half-written record from a crashed daemon.
	os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{"session_id": "bro`), 0600)
	// A non-record file.
	os.WriteFile(filepath.Join(dir, "README"), []byte("not a session"), 0600)

	got, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "aaa" {
		t.Errorf("List = %v, want just aaa", got)
	}
}

func TestPidAlive(t *testing.T) {
	if !PidAlive(os.Getpid()) {
		t.Error("own pid should be alive")
	}
	if PidAlive(1 << 30) {
		t.Error("absurd pid should be dead")
	}
	if PidAlive(0) || PidAlive(-1) {
		t.Error("non-positive pids are never alive")
	}
}

func TestTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.log")
	os.WriteFile(path, []byte("0123456789"), 0600)

	if got := Tail(path, 4); got != "6789" {
		t.Errorf("Tail = %q, want 6789", got)
	}
	if got := Tail(path, 100); got != "0123456789" {
		t.Errorf("Tail = %q, want full contents", got)
	}
	if got := Tail(filepath.Join(dir, "missing.log"), 4); got != "" {
		t.Errorf("Tail of missing file = %q, want empty", got)
	}
}
