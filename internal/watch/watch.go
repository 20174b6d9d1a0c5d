// Package watch implements the filesystem and inbox watchers:
// long-running observers that turn state changes under a root into
// typed event bus events. Change detection uses native filesystem
// notification (fsnotify) where available, with a polling ticker as the
// universal fallback and backstop; every scan is an idempotent diff
// against cached state, so a double fire from notify+poll is harmless.
package watch

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher is a long-running observer with start/stop and a
// back-reference to the Event Bus held by the concrete type.
type Watcher interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// Status is one watcher's health snapshot for the dashboard.
type Status struct {
	Name     string    `json:"name"`
	Running  bool      `json:"running"`
	LastScan time.Time `json:"last_scan"`
	LastErr  string    `json:"last_error,omitempty"`
}

// loop is the shared scan-driver embedded by each concrete watcher: it
// owns the fsnotify instance, the poll ticker, and the run/stop state.
type loop struct {
	name     string
	logger   *slog.Logger
	interval time.Duration
	// roots returns the paths to register for native notification;
	// re-evaluated each scan so directories created later get picked up.
	roots func() []string
	scan  func()

	mu       sync.Mutex
	running  bool
	lastScan time.Time
	lastErr  error
	cancel   context.CancelFunc
	done     chan struct{}
}

func newLoop(name string, logger *slog.Logger, interval time.Duration, roots func() []string, scan func()) *loop {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &loop{name: name, logger: logger, interval: interval, roots: roots, scan: scan}
}

func (l *loop) Name() string { return l.name }

func (l *loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	l.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		l.logger.Debug("native notification unavailable, polling only",
			"watcher", l.name, "error", err)
		fsw = nil
	}

	go l.run(ctx, fsw)
	return nil
}

func (l *loop) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(l.done)
	if fsw != nil {
		defer fsw.Close()
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.doScan(fsw)
	for {
		if fsw != nil {
			select {
			case <-ctx.Done():
				return
			case <-fsw.Events:
				l.doScan(fsw)
			case err := <-fsw.Errors:
				l.setErr(err)
			case <-ticker.C:
				l.doScan(fsw)
			}
		} else {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.doScan(nil)
			}
		}
	}
}

// doScan registers any newly-existing roots for notification, then runs
// the watcher's diff scan.
func (l *loop) doScan(fsw *fsnotify.Watcher) {
	if fsw != nil {
		for _, root := range l.roots() {
			if _, err := os.Stat(root); err == nil {
				_ = fsw.Add(root) // already-watched paths are a no-op
			}
		}
	}
	l.scan()
	l.mu.Lock()
	l.lastScan = time.Now()
	l.mu.Unlock()
}

func (l *loop) setErr(err error) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
}

func (l *loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	cancel()
	<-done
}

func (l *loop) status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Status{Name: l.name, Running: l.running, LastScan: l.lastScan}
	if l.lastErr != nil {
		s.LastErr = l.lastErr.Error()
	}
	return s
}

// Manager owns the lifecycle of a set of watchers and exposes their
// aggregate status for the dashboard.
type Manager struct {
	logger   *slog.Logger
	watchers []Watcher
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// Add registers a watcher. Not safe to call after Start.
func (m *Manager) Add(w Watcher) {
	m.watchers = append(m.watchers, w)
}

// Start starts every watcher. The first failure stops the ones already
// started and is returned.
func (m *Manager) Start(ctx context.Context) error {
	for i, w := range m.watchers {
		if err := w.Start(ctx); err != nil {
			for j := 0; j < i; j++ {
				m.watchers[j].Stop()
			}
			return err
		}
		m.logger.Debug("watcher started", "watcher", w.Name())
	}
	return nil
}

// Stop stops every watcher, in reverse start order.
func (m *Manager) Stop() {
	for i := len(m.watchers) - 1; i >= 0; i-- {
		m.watchers[i].Stop()
	}
}

// Statuses reports each watcher's health. Watchers that do not embed
// loop report name-only status.
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		type statuser interface{ status() Status }
		if s, ok := w.(statuser); ok {
			out = append(out, s.status())
			continue
		}
		out = append(out, Status{Name: w.Name()})
	}
	return out
}
