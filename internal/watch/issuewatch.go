package watch

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nugget/monocod/internal/events"
	"github.com/nugget/monocod/internal/issue"
)

// IssueWatcher monitors the Issues/ tree and emits issue.created,
// issue.deleted, and issue.field_changed when a preamble field's value
// actually transitions. Stage transitions are the primary trigger for
// engineer scheduling.
type IssueWatcher struct {
	*loop
	root string
	bus  *events.Bus

	// snapshot of scalar preamble fields keyed by absolute path.
	seen map[string]issueSnapshot
}

type issueSnapshot struct {
	id     string
	fields map[string]string
}

// watchedFields are the preamble fields whose transitions are emitted.
var watchedFields = []string{"stage", "status", "title", "parent", "solution", "criticality"}

// NewIssueWatcher creates a watcher over projectRoot/Issues.
func NewIssueWatcher(projectRoot string, bus *events.Bus, interval time.Duration, logger *slog.Logger) *IssueWatcher {
	w := &IssueWatcher{
		root: filepath.Join(projectRoot, "Issues"),
		bus:  bus,
		seen: make(map[string]issueSnapshot),
	}
	w.loop = newLoop("issues", logger, interval, w.watchRoots, w.scan)
	return w
}

// watchRoots registers the whole Issues tree: type dirs and status dirs.
func (w *IssueWatcher) watchRoots() []string {
	roots := []string{w.root}
	typeDirs, err := os.ReadDir(w.root)
	if err != nil {
		return roots
	}
	for _, td := range typeDirs {
		if !td.IsDir() {
			continue
		}
		typePath := filepath.Join(w.root, td.Name())
		roots = append(roots, typePath)
		statusDirs, err := os.ReadDir(typePath)
		if err != nil {
			continue
		}
		for _, sd := range statusDirs {
			if sd.IsDir() {
				roots = append(roots, filepath.Join(typePath, sd.Name()))
			}
		}
	}
	return roots
}

func (w *IssueWatcher) scan() {
	current := make(map[string]issueSnapshot)

	filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		iss, err := issue.Load(path)
		if err != nil {
			// Possibly a partial write from a concurrent editor; events
			// are only emitted once the file parses.
			return nil
		}
		current[path] = snapshotOf(iss)
		return nil
	})

	for path, snap := range current {
		prev, existed := w.seen[path]
		if !existed {
			w.bus.Publish(events.Event{Type: events.IssueCreated, Payload: map[string]any{
				"id": snap.id, "path": path,
			}})
			continue
		}
		for _, field := range watchedFields {
			if prev.fields[field] == snap.fields[field] {
				continue
			}
			w.bus.Publish(events.Event{Type: events.IssueFieldChanged, Payload: map[string]any{
				"id":    snap.id,
				"field": field,
				"old":   prev.fields[field],
				"new":   snap.fields[field],
				"path":  path,
			}})
		}
	}
	for path, prev := range w.seen {
		if _, still := current[path]; !still {
			w.bus.Publish(events.Event{Type: events.IssueDeleted, Payload: map[string]any{
				"id": prev.id, "path": path,
			}})
		}
	}

	w.seen = current
}

func snapshotOf(iss *issue.Issue) issueSnapshot {
	solution := ""
	if iss.Front.Solution != nil {
		solution = *iss.Front.Solution
	}
	return issueSnapshot{
		id: iss.Front.ID,
		fields: map[string]string{
			"stage":       string(iss.Front.Stage),
			"status":      string(iss.Front.Status),
			"title":       iss.Front.Title,
			"parent":      iss.Front.Parent,
			"solution":    solution,
			"criticality": iss.Front.Criticality,
		},
	}
}
