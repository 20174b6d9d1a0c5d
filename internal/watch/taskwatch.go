package watch

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/monocod/internal/events"
	"github.com/nugget/monocod/internal/opstate"
)

// taskNamespace is the opstate namespace for the task high-water mark.
const taskNamespace = "task_watch"

// TaskWatcher monitors a tasks.md at the project root for new task
// lines. New lines are detected against a persisted high-water mark so
// a daemon restart does not re-announce the whole file; on first run
// the current line count is recorded silently rather than reported as
// new, which prevents flooding the router with the entire backlog on
// initial deployment.
type TaskWatcher struct {
	*loop
	path  string
	bus   *events.Bus
	state *opstate.Store
}

// NewTaskWatcher creates a watcher over projectRoot/tasks.md, tracking
// its high-water mark in state.
func NewTaskWatcher(projectRoot string, bus *events.Bus, state *opstate.Store, interval time.Duration, logger *slog.Logger) *TaskWatcher {
	w := &TaskWatcher{
		path:  filepath.Join(projectRoot, "tasks.md"),
		bus:   bus,
		state: state,
	}
	w.loop = newLoop("tasks", logger, interval, w.watchRoots, w.scan)
	return w
}

func (w *TaskWatcher) watchRoots() []string {
	return []string{filepath.Dir(w.path)}
}

// isTaskLine reports whether a line is a task entry: a Markdown list
// item that is not a checked-off checkbox.
func isTaskLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "- ") {
		return false
	}
	return !strings.HasPrefix(trimmed, "- [x]") && !strings.HasPrefix(trimmed, "- [X]")
}

func (w *TaskWatcher) scan() {
	data, err := os.ReadFile(w.path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		w.setErr(err)
		return
	}

	var tasks []string
	for _, line := range strings.Split(string(data), "\n") {
		if isTaskLine(line) {
			tasks = append(tasks, strings.TrimSpace(line))
		}
	}

	stored, err := w.state.Get(taskNamespace, "count")
	if err != nil {
		w.setErr(err)
		return
	}
	if stored == "" {
		// First run: record silently.
		_ = w.state.Set(taskNamespace, "count", strconv.Itoa(len(tasks)))
		return
	}
	mark, _ := strconv.Atoi(stored)
	if len(tasks) < mark {
		// File was rewritten shorter; resync without announcing.
		_ = w.state.Set(taskNamespace, "count", strconv.Itoa(len(tasks)))
		return
	}
	if len(tasks) == mark {
		return
	}

	for _, text := range tasks[mark:] {
		w.bus.Publish(events.Event{Type: events.TaskAdded, Payload: map[string]any{
			"text": strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(text, "- [ ]"), "- ")),
			"path": w.path,
		}})
	}
	_ = w.state.Set(taskNamespace, "count", strconv.Itoa(len(tasks)))
}
