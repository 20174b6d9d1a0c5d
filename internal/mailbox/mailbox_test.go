package mailbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/monocod/internal/monocoerr"
)

func newMessage(id, provider, session string) *Message {
	return &Message{
		Front: Front{
			ID:          id,
			Provider:    provider,
			Direction:   Inbound,
			ContentType: "text/markdown",
			CreatedAt:   time.Now().UTC(),
			Session:     SessionRef{ID: session},
			Participants: Participants{
				From: "alice",
				To:   []string{"bot"},
			},
		},
		Body: "hello from " + id,
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	msg := newMessage("m1", "chat", "s1")
	msg.Front.Artifacts = []Artifact{{ID: "ab12cd", Name: "shot.png", MimeType: "image/png", Size: 123}}

	if err := Write(msg, dir); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.HasSuffix(msg.Path, "_m1.md") {
		t.Errorf("Path = %q, want time-sortable *_m1.md", msg.Path)
	}

	got, err := Read(msg.Path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Front.ID != "m1" || got.Front.Provider != "chat" || got.Front.Session.ID != "s1" {
		t.Errorf("round trip front = %+v", got.Front)
	}
	if got.Front.Participants.From != "alice" {
		t.Errorf("From = %q", got.Front.Participants.From)
	}
	if len(got.Front.Artifacts) != 1 || got.Front.Artifacts[0].ID != "ab12cd" {
		t.Errorf("Artifacts = %+v", got.Front.Artifacts)
	}
	if got.Body != "hello from m1" {
		t.Errorf("Body = %q", got.Body)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Message)
		wantOK bool
	}{
		{"valid", func(*Message) {}, true},
		{"no id", func(m *Message) { m.Front.ID = "" }, false},
		{"no provider", func(m *Message) { m.Front.Provider = "" }, false},
		{"bad direction", func(m *Message) { m.Front.Direction = "sideways" }, false},
		{"no session", func(m *Message) { m.Front.Session.ID = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := newMessage("m1", "chat", "s1")
			tt.mutate(msg)
			err := msg.Validate()
			if (err == nil) != tt.wantOK {
				t.Errorf("Validate error = %v, wantOK %v", err, tt.wantOK)
			}
		})
	}
}

func TestClaimDoneArchivesOnce(t *testing.T) {
	tree := NewTree(t.TempDir())
	msg := newMessage("m1", "chat", "s1")
	if err := Write(msg, tree.Inbound("chat")); err != nil {
		t.Fatal(err)
	}

	if _, err := tree.Claim("m1", "agent-a"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	// A different claimer is rejected while locked.
	if _, err := tree.Claim("m1", "agent-b"); !monocoerr.IsPrecondition(err) {
		t.Errorf("second claimer error = %v, want PreconditionFailure", err)
	}
	// Same claimer refreshes.
	if _, err := tree.Claim("m1", "agent-a"); err != nil {
		t.Errorf("re-claim by holder: %v", err)
	}

	if err := tree.Done("m1", "agent-a"); err != nil {
		t.Fatalf("Done: %v", err)
	}

	archived, err := os.ReadDir(tree.Archive("chat"))
	if err != nil || len(archived) != 1 {
		t.Fatalf("archive contents = %v, %v; want exactly one file", archived, err)
	}
	// Lock is gone and the message left inbound.
	if _, err := os.Stat(filepath.Join(tree.Inbound("chat"), "m1.lock")); !errors.Is(err, os.ErrNotExist) {
		t.Error("lock file not removed after done")
	}
	if _, err := tree.FindInbound("m1"); err == nil {
		t.Error("message still findable in inbound after done")
	}

	// done on an archived message errors rather than double-archiving.
	if err := tree.Done("m1", "agent-a"); err == nil {
		t.Error("second Done should fail")
	}
}

func TestClaimFailClaimDone(t *testing.T) {
	tree := NewTree(t.TempDir())
	msg := newMessage("m2", "chat", "s1")
	if err := Write(msg, tree.Inbound("chat")); err != nil {
		t.Fatal(err)
	}
	policy := DefaultRetryPolicy()

	if _, err := tree.Claim("m2", "agent-a"); err != nil {
		t.Fatal(err)
	}
	if err := tree.Fail("m2", "agent-a", "flaky downstream", policy); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	// Lock released; retry metadata recorded.
	got, err := tree.FindInbound("m2")
	if err != nil {
		t.Fatalf("message should remain inbound after first fail: %v", err)
	}
	if got.Front.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.Front.RetryCount)
	}
	if got.Front.NextRetryAt == nil || !got.Front.NextRetryAt.After(time.Now()) {
		t.Errorf("NextRetryAt = %v, want future", got.Front.NextRetryAt)
	}
	if got.Front.ErrorMessage != "flaky downstream" {
		t.Errorf("ErrorMessage = %q", got.Front.ErrorMessage)
	}

	// claim; done archives exactly once with the single retry recorded.
	if _, err := tree.Claim("m2", "agent-a"); err != nil {
		t.Fatalf("re-claim after fail: %v", err)
	}
	if err := tree.Done("m2", "agent-a"); err != nil {
		t.Fatalf("Done after fail: %v", err)
	}
	archived, _ := os.ReadDir(tree.Archive("chat"))
	if len(archived) != 1 {
		t.Fatalf("archive count = %d, want 1", len(archived))
	}
}

func TestFail_DeadletterPastMax(t *testing.T) {
	tree := NewTree(t.TempDir())
	msg := newMessage("m3", "chat", "s1")
	if err := Write(msg, tree.Inbound("chat")); err != nil {
		t.Fatal(err)
	}
	policy := RetryPolicy{Base: time.Millisecond, Factor: 2, Cap: time.Second, MaxRetries: 2}

	for i := 0; i < 3; i++ {
		if _, err := tree.Claim("m3", "agent-a"); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if err := tree.Fail("m3", "agent-a", "still broken", policy); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
	}

	dead, err := os.ReadDir(tree.Deadletter("chat"))
	if err != nil || len(dead) != 1 {
		t.Fatalf("deadletter contents = %v, %v; want one file", dead, err)
	}
	if _, err := tree.FindInbound("m3"); err == nil {
		t.Error("dead-lettered message still findable in inbound")
	}
}

func TestDoneWithoutClaim(t *testing.T) {
	tree := NewTree(t.TempDir())
	msg := newMessage("m4", "chat", "s1")
	if err := Write(msg, tree.Inbound("chat")); err != nil {
		t.Fatal(err)
	}
	if err := tree.Done("m4", "agent-a"); !monocoerr.IsPrecondition(err) {
		t.Errorf("Done without claim = %v, want PreconditionFailure", err)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Base: 5 * time.Second, Factor: 2, Cap: time.Hour, MaxRetries: 5}
	for attempt, want := range map[int]time.Duration{
		1: 5 * time.Second,
		2: 10 * time.Second,
		3: 20 * time.Second,
	} {
		d := p.Delay(attempt)
		lo := time.Duration(float64(want) * 0.8)
		hi := time.Duration(float64(want) * 1.2)
		if d < lo || d > hi {
			t.Errorf("Delay(%d) = %v, want within ±20%% of %v", attempt, d, want)
		}
	}
	// Capped regardless of attempt.
	if d := p.Delay(100); d > time.Hour {
		t.Errorf("Delay(100) = %v, want <= cap", d)
	}
}

func TestSend_ValidatesAndMoves(t *testing.T) {
	root := t.TempDir()
	tree := NewTree(filepath.Join(root, "mailbox"))
	draftDir := filepath.Join(root, "drafts")
	os.MkdirAll(draftDir, 0o755)

	draft := newMessage("out1", "chat", "s9")
	draft.Front.Direction = Outbound
	if err := Write(draft, draftDir); err != nil {
		t.Fatal(err)
	}

	sent, err := Send(tree, draft.Path)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(sent.Path, filepath.Join("outbound", "chat")) {
		t.Errorf("sent path = %q, want under outbound/chat", sent.Path)
	}
	if _, err := os.Stat(draft.Path); !errors.Is(err, os.ErrNotExist) {
		t.Error("draft not consumed by Send")
	}
}

func TestSend_RejectsInvalidDraft(t *testing.T) {
	root := t.TempDir()
	tree := NewTree(filepath.Join(root, "mailbox"))
	path := filepath.Join(root, "bad.md")
	os.WriteFile(path, []byte("---\nid: x\n---\nno provider or session\n"), 0600)

	if _, err := Send(tree, path); !monocoerr.IsValidation(err) {
		t.Errorf("Send invalid draft = %v, want ValidationFailure", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("invalid draft should not be consumed")
	}
}

// failingAdapter errors a configurable number of times before success.
type failingAdapter struct {
	failures int
	sent     []string
}

func (a *failingAdapter) Name() string { return "chat" }

func (a *failingAdapter) Send(ctx context.Context, msg *Message) error {
	if a.failures > 0 {
		a.failures--
		return errors.New("provider unavailable")
	}
	a.sent = append(a.sent, msg.Front.ID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDispatcher_SuccessArchives(t *testing.T) {
	tree := NewTree(t.TempDir())
	msg := newMessage("out2", "chat", "s1")
	msg.Front.Direction = Outbound
	if err := Write(msg, tree.Outbound("chat")); err != nil {
		t.Fatal(err)
	}

	adapter := &failingAdapter{}
	d := NewDispatcher(tree, DefaultRetryPolicy(), testLogger())
	d.Register(adapter)
	d.Sweep(context.Background())

	if len(adapter.sent) != 1 || adapter.sent[0] != "out2" {
		t.Fatalf("sent = %v, want [out2]", adapter.sent)
	}
	archived, _ := os.ReadDir(tree.Archive("chat"))
	if len(archived) != 1 {
		t.Fatalf("archive count = %d, want 1", len(archived))
	}
	got, err := Read(filepath.Join(tree.Archive("chat"), archived[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if got.Front.SentAt == nil {
		t.Error("sent_at not recorded in archived message")
	}
}

func TestDispatcher_RetryThenDeadletter(t *testing.T) {
	tree := NewTree(t.TempDir())
	msg := newMessage("out3", "chat", "s1")
	msg.Front.Direction = Outbound
	if err := Write(msg, tree.Outbound("chat")); err != nil {
		t.Fatal(err)
	}

	adapter := &failingAdapter{failures: 100}
	d := NewDispatcher(tree, RetryPolicy{Base: time.Nanosecond, Factor: 1, Cap: time.Microsecond, MaxRetries: 2}, testLogger())
	d.Register(adapter)

	for i := 0; i < 4; i++ {
		d.Sweep(context.Background())
		time.Sleep(2 * time.Millisecond) // let next_retry_at pass
	}

	dead, _ := os.ReadDir(tree.Deadletter("chat"))
	if len(dead) != 1 {
		t.Fatalf("deadletter count = %d, want 1", len(dead))
	}
	outLeft, _ := os.ReadDir(tree.Outbound("chat"))
	for _, e := range outLeft {
		if IsMessageFile(e.Name()) {
			t.Errorf("message still in outbound after deadletter: %s", e.Name())
		}
	}
}

func TestDispatcher_NoAdapterDeadlettersEventually(t *testing.T) {
	tree := NewTree(t.TempDir())
	msg := newMessage("out4", "nowhere", "s1")
	msg.Front.Direction = Outbound
	if err := Write(msg, tree.Outbound("nowhere")); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(tree, RetryPolicy{Base: time.Nanosecond, Factor: 1, Cap: time.Microsecond, MaxRetries: 1}, testLogger())
	for i := 0; i < 3; i++ {
		d.Sweep(context.Background())
		time.Sleep(2 * time.Millisecond)
	}
	dead, _ := os.ReadDir(tree.Deadletter("nowhere"))
	if len(dead) != 1 {
		t.Fatalf("deadletter count = %d, want 1", len(dead))
	}
}

func TestLoopbackAdapter(t *testing.T) {
	tree := NewTree(t.TempDir())
	msg := newMessage("out5", "loopback", "s1")
	msg.Front.Direction = Outbound

	a := LoopbackAdapter{Tree: tree}
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := tree.FindInbound("out5")
	if err != nil {
		t.Fatalf("loopback message not inbound: %v", err)
	}
	if got.Front.Direction != Inbound {
		t.Errorf("Direction = %s, want inbound", got.Front.Direction)
	}
}
