package forge

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/monocod/internal/events"
	"github.com/nugget/monocod/internal/opstate"
)

// fakeProvider serves a scripted PR list.
type fakeProvider struct {
	prs []*PullRequest
	err error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ListOpenPRs(ctx context.Context, repo string) ([]*PullRequest, error) {
	return f.prs, f.err
}

func (f *fakeProvider) GetPRDiff(ctx context.Context, repo string, number int) (string, error) {
	return "", nil
}

func (f *fakeProvider) AddComment(ctx context.Context, repo string, number int, body string) error {
	return nil
}

func (f *fakeProvider) SubmitReview(ctx context.Context, repo string, number int, event ReviewEvent, body string) error {
	return nil
}

func testState(t *testing.T) *opstate.Store {
	t.Helper()
	s, err := opstate.NewStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func TestPoll_FirstRunSilent(t *testing.T) {
	provider := &fakeProvider{prs: []*PullRequest{
		{Number: 5, Title: "old backlog", URL: "u5"},
	}}
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	w := NewPRWatcher(provider, "o/r", bus, testState(t), time.Minute, nil)
	w.Poll(context.Background())

	if got := drain(ch); len(got) != 0 {
		t.Fatalf("first poll announced backlog: %v", got)
	}
}

func TestPoll_NewPRFiresOnce(t *testing.T) {
	provider := &fakeProvider{prs: []*PullRequest{{Number: 5, Title: "old"}}}
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	state := testState(t)
	w := NewPRWatcher(provider, "o/r", bus, state, time.Minute, nil)
	w.Poll(context.Background()) // records mark=5

	provider.prs = append(provider.prs, &PullRequest{Number: 6, Title: "fresh", URL: "u6", Author: "alice"})
	w.Poll(context.Background())

	got := drain(ch)
	if len(got) != 1 || got[0].Type != events.PRCreated {
		t.Fatalf("got %v, want one pr.created", got)
	}
	if got[0].Payload["number"] != 6 || got[0].Payload["title"] != "fresh" {
		t.Errorf("payload = %v", got[0].Payload)
	}

	// Same list again: no re-fire.
	w.Poll(context.Background())
	if got := drain(ch); len(got) != 0 {
		t.Fatalf("re-poll re-announced: %v", got)
	}
}

func TestPoll_SkipsDrafts(t *testing.T) {
	provider := &fakeProvider{prs: []*PullRequest{{Number: 1}}}
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	w := NewPRWatcher(provider, "o/r", bus, testState(t), time.Minute, nil)
	w.Poll(context.Background())

	provider.prs = append(provider.prs, &PullRequest{Number: 2, Draft: true})
	w.Poll(context.Background())
	if got := drain(ch); len(got) != 0 {
		t.Fatalf("draft PR announced: %v", got)
	}
}

func TestPoll_ErrorIsRetryable(t *testing.T) {
	provider := &fakeProvider{err: errors.New("rate limited")}
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	state := testState(t)
	w := NewPRWatcher(provider, "o/r", bus, state, time.Minute, nil)
	w.Poll(context.Background())

	// Error polls record nothing; the next clean poll is still a
	// silent first run.
	provider.err = nil
	provider.prs = []*PullRequest{{Number: 9}}
	w.Poll(context.Background())
	if got := drain(ch); len(got) != 0 {
		t.Fatalf("poll after error announced backlog: %v", got)
	}
}

func TestSplitRepo(t *testing.T) {
	tests := []struct {
		in      string
		owner   string
		name    string
		wantErr bool
	}{
		{"octo/hello", "octo", "hello", false},
		{"bare", "", "", true},
		{"/leading", "", "", true},
		{"trailing/", "", "", true},
	}
	for _, tt := range tests {
		owner, name, err := splitRepo(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("splitRepo(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if owner != tt.owner || name != tt.name {
			t.Errorf("splitRepo(%q) = %q, %q", tt.in, owner, name)
		}
	}
}
