package forge

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/nugget/monocod/internal/events"
	"github.com/nugget/monocod/internal/opstate"
)

// pollNamespace is the opstate namespace for PR polling state.
const pollNamespace = "forge_poll"

// PRWatcher polls a repository's open pull requests and publishes
// pr.created for each PR newer than the persisted high-water mark. On
// first run the current highest number is recorded silently — an
// existing review backlog is not announced on initial deployment.
type PRWatcher struct {
	provider Provider
	repo     string
	bus      *events.Bus
	state    *opstate.Store
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPRWatcher creates a watcher over repo on provider.
func NewPRWatcher(provider Provider, repo string, bus *events.Bus, state *opstate.Store, interval time.Duration, logger *slog.Logger) *PRWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &PRWatcher{
		provider: provider,
		repo:     repo,
		bus:      bus,
		state:    state,
		logger:   logger,
		interval: interval,
	}
}

func (w *PRWatcher) Name() string { return "forge-prs" }

// Start begins polling until Stop or ctx cancellation.
func (w *PRWatcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
	return nil
}

// Stop halts polling.
func (w *PRWatcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *PRWatcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll performs one check against the high-water mark. Exported so the
// daemon and tests can drive a poll without the timer. Network errors
// are logged and retried on the next tick, never fatal.
func (w *PRWatcher) Poll(ctx context.Context) {
	prs, err := w.provider.ListOpenPRs(ctx, w.repo)
	if err != nil {
		w.logger.Warn("PR poll failed", "repo", w.repo, "error", err)
		return
	}

	highest := 0
	for _, pr := range prs {
		if pr.Number > highest {
			highest = pr.Number
		}
	}

	stored, err := w.state.Get(pollNamespace, w.repo)
	if err != nil {
		w.logger.Warn("PR poll state read failed", "repo", w.repo, "error", err)
		return
	}
	if stored == "" {
		// First run: record silently.
		_ = w.state.Set(pollNamespace, w.repo, strconv.Itoa(highest))
		return
	}
	mark, _ := strconv.Atoi(stored)

	for _, pr := range prs {
		if pr.Number <= mark || pr.Draft {
			continue
		}
		w.bus.Publish(events.Event{Type: events.PRCreated, Payload: map[string]any{
			"number": pr.Number,
			"title":  pr.Title,
			"url":    pr.URL,
			"author": pr.Author,
			"branch": pr.Branch,
			"repo":   w.repo,
		}})
		w.logger.Info("new pull request", "repo", w.repo, "number", pr.Number, "title", pr.Title)
	}

	if highest > mark {
		_ = w.state.Set(pollNamespace, w.repo, strconv.Itoa(highest))
	}
}
