package watch

import (
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nugget/monocod/internal/events"
	"github.com/nugget/monocod/internal/memo"
)

// MemoWatcher monitors the memo inbox file and emits memo.present when
// it contains at least one memo block. Presence is the entire signal —
// no per-memo status is tracked; the consuming action drains the inbox
// atomically, after which the next scan sees an empty file and the
// watcher resets.
type MemoWatcher struct {
	*loop
	path string
	bus  *events.Bus

	// lastIDs is the id set of the most recent memo.present emission,
	// so an undrained inbox does not re-fire every poll tick.
	lastIDs string
}

// NewMemoWatcher creates a watcher over projectRoot/Memos/inbox.md.
func NewMemoWatcher(projectRoot string, bus *events.Bus, interval time.Duration, logger *slog.Logger) *MemoWatcher {
	w := &MemoWatcher{
		path: memo.InboxPath(projectRoot),
		bus:  bus,
	}
	w.loop = newLoop("memos", logger, interval, w.watchRoots, w.scan)
	return w
}

func (w *MemoWatcher) watchRoots() []string {
	// Watch the containing directory: editors replace the file on save,
	// which would orphan a watch on the file itself.
	return []string{filepath.Dir(w.path)}
}

func (w *MemoWatcher) scan() {
	memos, err := memo.Load(w.path)
	if err != nil {
		w.setErr(err)
		return
	}
	if len(memos) == 0 {
		w.lastIDs = ""
		return
	}

	ids := make([]string, len(memos))
	for i, m := range memos {
		ids[i] = m.ID
	}
	sort.Strings(ids)
	key := strings.Join(ids, ",")
	if key == w.lastIDs {
		return
	}
	w.lastIDs = key

	w.bus.Publish(events.Event{Type: events.MemoPresent, Payload: map[string]any{
		"path":  w.path,
		"count": len(memos),
		"memos": memos,
	}})
}
