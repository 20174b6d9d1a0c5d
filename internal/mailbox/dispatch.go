package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nugget/monocod/internal/monocoerr"
)

// OutboundAdapter dispatches one outbound message to its provider.
// Concrete wire codecs (DingTalk, Lark, SMTP, ...) live outside the
// core; they register here by provider name.
type OutboundAdapter interface {
	Name() string
	Send(ctx context.Context, msg *Message) error
}

// LoopbackAdapter delivers outbound messages back into the same
// project's inbound tree. It is the adapter used by tests and
// local-only setups where the "provider" is the project itself.
type LoopbackAdapter struct {
	Tree *Tree
}

func (LoopbackAdapter) Name() string { return "loopback" }

func (a LoopbackAdapter) Send(ctx context.Context, msg *Message) error {
	in := *msg
	in.Front.Direction = Inbound
	in.Extras = msg.Extras
	return Write(&in, a.Tree.Inbound(msg.Front.Provider))
}

// Send validates a draft outbound message file and atomically moves it
// into outbound/<provider>/ for the dispatcher to pick up. The draft
// file is consumed.
func Send(tree *Tree, draftPath string) (*Message, error) {
	msg, err := Read(draftPath)
	if err != nil {
		return nil, monocoerr.Wrap(monocoerr.ValidationFailure, err)
	}
	msg.Front.Direction = Outbound
	if msg.Front.CreatedAt.IsZero() {
		msg.Front.CreatedAt = time.Now().UTC()
	}
	if err := msg.Validate(); err != nil {
		return nil, monocoerr.Wrap(monocoerr.ValidationFailure, err)
	}
	if err := Write(msg, tree.Outbound(msg.Front.Provider)); err != nil {
		return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
	}
	if err := os.Remove(draftPath); err != nil {
		return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
	}
	return msg, nil
}

// Dispatcher is the background outbound processor: it polls
// outbound/<provider>/ directories, dispatches each due message via the
// adapter registered for its provider, archives on success, and applies
// the retry/dead-letter policy on failure.
type Dispatcher struct {
	Tree   *Tree
	Policy RetryPolicy
	Logger *slog.Logger
	// Interval is the scan cadence (default 5s).
	Interval time.Duration

	mu       sync.Mutex
	adapters map[string]OutboundAdapter
	inFlight map[string]bool // per-file lock; path -> busy
}

// NewDispatcher creates a dispatcher over tree with the given policy.
func NewDispatcher(tree *Tree, policy RetryPolicy, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Tree:     tree,
		Policy:   policy,
		Logger:   logger,
		Interval: 5 * time.Second,
		adapters: make(map[string]OutboundAdapter),
		inFlight: make(map[string]bool),
	}
}

// Register adds (or replaces) an adapter under its Name().
func (d *Dispatcher) Register(a OutboundAdapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[a.Name()] = a
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep performs one scan of every outbound provider directory,
// dispatching each due message. Exported so tests and the CLI can drive
// dispatch without the timer.
func (d *Dispatcher) Sweep(ctx context.Context) {
	providers, err := d.Tree.Providers("outbound")
	if err != nil {
		d.Logger.Warn("outbound scan failed", "error", err)
		return
	}
	for _, provider := range providers {
		dir := d.Tree.Outbound(provider)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !IsMessageFile(e.Name()) {
				continue
			}
			d.dispatchOne(ctx, filepath.Join(dir, e.Name()))
		}
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, path string) {
	d.mu.Lock()
	if d.inFlight[path] {
		d.mu.Unlock()
		return
	}
	d.inFlight[path] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, path)
		d.mu.Unlock()
	}()

	msg, err := Read(path)
	if err != nil {
		// Likely a partial write from a concurrent producer; the next
		// sweep retries.
		d.Logger.Debug("skipping unreadable outbound message", "path", path, "error", err)
		return
	}
	if msg.Front.NextRetryAt != nil && time.Now().Before(*msg.Front.NextRetryAt) {
		return
	}

	d.mu.Lock()
	adapter, ok := d.adapters[msg.Front.Provider]
	d.mu.Unlock()
	if !ok {
		d.fail(msg, fmt.Sprintf("no adapter registered for provider %q", msg.Front.Provider))
		return
	}

	if err := adapter.Send(ctx, msg); err != nil {
		d.fail(msg, err.Error())
		return
	}

	now := time.Now().UTC()
	msg.Front.SentAt = &now
	msg.Front.Status = "sent"
	msg.Front.ErrorMessage = ""
	msg.Front.NextRetryAt = nil
	if err := rewriteInPlace(msg); err != nil {
		d.Logger.Warn("failed to record sent_at", "id", msg.Front.ID, "error", err)
	}
	dest := d.Tree.Archive(msg.Front.Provider)
	if err := os.MkdirAll(dest, 0o755); err == nil {
		if err := os.Rename(msg.Path, filepath.Join(dest, filepath.Base(msg.Path))); err != nil {
			d.Logger.Warn("failed to archive sent message", "id", msg.Front.ID, "error", err)
		}
	}
	d.Logger.Info("outbound message sent", "id", msg.Front.ID, "provider", msg.Front.Provider)
}

// fail applies the retry policy to a message that could not be sent.
func (d *Dispatcher) fail(msg *Message, reason string) {
	msg.Front.RetryCount++
	msg.Front.ErrorMessage = reason
	next := time.Now().UTC().Add(d.Policy.Delay(msg.Front.RetryCount))
	msg.Front.NextRetryAt = &next

	if msg.Front.RetryCount > d.Policy.MaxRetries {
		msg.Front.Status = "deadletter"
		if err := rewriteInPlace(msg); err != nil {
			d.Logger.Warn("failed to record deadletter state", "id", msg.Front.ID, "error", err)
		}
		dest := d.Tree.Deadletter(msg.Front.Provider)
		if err := os.MkdirAll(dest, 0o755); err == nil {
			if err := os.Rename(msg.Path, filepath.Join(dest, filepath.Base(msg.Path))); err != nil {
				d.Logger.Warn("failed to deadletter message", "id", msg.Front.ID, "error", err)
			}
		}
		d.Logger.Error("outbound message dead-lettered",
			"id", msg.Front.ID, "provider", msg.Front.Provider, "reason", reason)
		return
	}

	if err := rewriteInPlace(msg); err != nil {
		d.Logger.Warn("failed to record retry state", "id", msg.Front.ID, "error", err)
	}
	d.Logger.Warn("outbound dispatch failed, will retry",
		"id", msg.Front.ID, "retry", msg.Front.RetryCount, "next", next, "reason", reason)
}
