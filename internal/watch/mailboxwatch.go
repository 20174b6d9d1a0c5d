package watch

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nugget/monocod/internal/events"
	"github.com/nugget/monocod/internal/mailbox"
)

// MailboxInboundWatcher monitors mailbox/inbound/<provider>/ and emits
// mailbox.inbound.ready, coalescing per (provider, session_id) over a
// quiet window with a hard ceiling — a stream of IM messages in the
// same chat thread surfaces as one event carrying the aggregated
// message ids.
type MailboxInboundWatcher struct {
	*loop
	tree    *mailbox.Tree
	bus     *events.Bus
	quiet   time.Duration
	ceiling time.Duration

	mu      sync.Mutex
	seen    map[string]bool // message file path -> observed
	pending map[debounceKey]*window
	stopped bool
}

type debounceKey struct {
	provider  string
	sessionID string
}

// window is one open debounce window for a (provider, session) pair.
type window struct {
	openedAt  time.Time
	quietTm   *time.Timer
	ceilingTm *time.Timer
	ids       []string
	texts     []string
	threadKey string
	mentioned bool
}

// NewMailboxInboundWatcher creates a watcher over tree's inbound branch.
func NewMailboxInboundWatcher(tree *mailbox.Tree, bus *events.Bus, interval, quiet, ceiling time.Duration, logger *slog.Logger) *MailboxInboundWatcher {
	if quiet <= 0 {
		quiet = 5 * time.Second
	}
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	w := &MailboxInboundWatcher{
		tree:    tree,
		bus:     bus,
		quiet:   quiet,
		ceiling: ceiling,
		seen:    make(map[string]bool),
		pending: make(map[debounceKey]*window),
	}
	w.loop = newLoop("mailbox-inbound", logger, interval, w.watchRoots, w.scan)
	return w
}

func (w *MailboxInboundWatcher) watchRoots() []string {
	roots := []string{filepath.Join(w.tree.Root, "inbound")}
	providers, err := w.tree.Providers("inbound")
	if err != nil {
		return roots
	}
	for _, p := range providers {
		roots = append(roots, w.tree.Inbound(p))
	}
	return roots
}

func (w *MailboxInboundWatcher) scan() {
	providers, err := w.tree.Providers("inbound")
	if err != nil {
		w.setErr(err)
		return
	}
	for _, provider := range providers {
		dir := w.tree.Inbound(provider)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		// Time-sortable filenames make lexical order arrival order.
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if mailbox.IsMessageFile(e.Name()) {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			path := filepath.Join(dir, name)
			w.mu.Lock()
			observed := w.seen[path]
			w.mu.Unlock()
			if observed {
				continue
			}
			msg, err := mailbox.Read(path)
			if err != nil {
				// Partial write from a concurrent adapter; the event is
				// only emitted once the file parses.
				continue
			}
			if err := msg.Validate(); err != nil {
				w.setErr(err)
				continue
			}
			w.mu.Lock()
			w.seen[path] = true
			w.addLocked(msg)
			w.mu.Unlock()
		}
	}
}

// addLocked folds a newly-observed message into its session's debounce
// window, opening one (with quiet and ceiling timers) if none is open.
func (w *MailboxInboundWatcher) addLocked(msg *mailbox.Message) {
	key := debounceKey{provider: msg.Front.Provider, sessionID: msg.Front.Session.ID}
	win, ok := w.pending[key]
	if !ok {
		win = &window{openedAt: time.Now()}
		win.ceilingTm = time.AfterFunc(w.ceiling, func() { w.fire(key) })
		w.pending[key] = win
	}
	win.ids = append(win.ids, msg.Front.ID)
	win.texts = append(win.texts, msg.Body)
	if msg.Front.Session.ThreadKey != "" {
		win.threadKey = msg.Front.Session.ThreadKey
	}
	if len(msg.Front.Participants.Mentions) > 0 {
		win.mentioned = true
	}
	if win.quietTm != nil {
		win.quietTm.Stop()
	}
	win.quietTm = time.AfterFunc(w.quiet, func() { w.fire(key) })
}

// fire closes a debounce window and publishes one aggregated event.
func (w *MailboxInboundWatcher) fire(key debounceKey) {
	w.mu.Lock()
	win, ok := w.pending[key]
	if !ok || w.stopped {
		w.mu.Unlock()
		return
	}
	delete(w.pending, key)
	win.quietTm.Stop()
	win.ceilingTm.Stop()
	w.mu.Unlock()

	text := ""
	for i, t := range win.texts {
		if i > 0 {
			text += "\n"
		}
		text += t
	}
	w.bus.Publish(events.Event{Type: events.MailboxInboundReady, Payload: map[string]any{
		"provider":    key.provider,
		"session_id":  key.sessionID,
		"thread_key":  win.threadKey,
		"message_ids": win.ids,
		"count":       len(win.ids),
		"text":        text,
		"mentioned":   win.mentioned,
	}})
}

// Stop flushes nothing: open windows are dropped, and their messages —
// still individually on disk and unarchived — are re-observed on the
// next daemon start (at-least-once under crash, at-most-once per
// window).
func (w *MailboxInboundWatcher) Stop() {
	w.mu.Lock()
	w.stopped = true
	for key, win := range w.pending {
		win.quietTm.Stop()
		win.ceilingTm.Stop()
		delete(w.pending, key)
	}
	w.mu.Unlock()
	w.loop.Stop()
}
