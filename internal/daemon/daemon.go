package daemon

import (
	"context"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/monocod/internal/action"
	"github.com/nugget/monocod/internal/config"
	"github.com/nugget/monocod/internal/defaults"
	"github.com/nugget/monocod/internal/engine"
	"github.com/nugget/monocod/internal/events"
	"github.com/nugget/monocod/internal/forge"
	"github.com/nugget/monocod/internal/gitrepo"
	"github.com/nugget/monocod/internal/hooks"
	"github.com/nugget/monocod/internal/issue"
	"github.com/nugget/monocod/internal/mailbox"
	"github.com/nugget/monocod/internal/memo"
	"github.com/nugget/monocod/internal/monocoerr"
	"github.com/nugget/monocod/internal/opstate"
	"github.com/nugget/monocod/internal/paths"
	"github.com/nugget/monocod/internal/registry"
	"github.com/nugget/monocod/internal/roles"
	"github.com/nugget/monocod/internal/scheduler"
	"github.com/nugget/monocod/internal/watch"
)

// Daemon owns every subsystem of the orchestration engine. Construction
// wires the Scheduler <-> EventBus <-> Router cycle by injecting the bus
// into both and registering the router as a bus subscriber after
// construction; nothing reaches for a package-level singleton.
type Daemon struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Bus      *events.Bus
	State    *opstate.Store
	Registry *registry.Registry
	Profiles *roles.Registry
	Engines  *engine.Registry
	Sched    *scheduler.Scheduler
	Hooks    *hooks.Engine
	Repo     *gitrepo.Repo
	Trans    *issue.Transitions
	Tree     *mailbox.Tree
	Outbound *mailbox.Dispatcher
	Watchers *watch.Manager
	Router   *action.Router

	prWatcher *forge.PRWatcher
	server    *Server
	listener  net.Listener
	port      int
	startedAt time.Time
}

// New constructs (but does not start) a daemon from loaded config.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{Cfg: cfg, Logger: logger, Bus: events.New()}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, monocoerr.Wrap(monocoerr.Fatal, err)
	}

	state, err := opstate.NewStore(filepath.Join(cfg.DataDir, "opstate.db"))
	if err != nil {
		return nil, monocoerr.Wrap(monocoerr.Fatal, err)
	}
	d.State = state

	invPath, err := registry.DefaultPath()
	if err == nil {
		if reg, err := registry.Open(invPath); err == nil {
			d.Registry = reg
			// Register this project under its slug so webhook ingress
			// can route to it.
			_ = reg.Register(cfg.Project.Slug, registry.Project{Root: cfg.Project.Root})
		} else {
			logger.Warn("project inventory unavailable", "path", invPath, "error", err)
		}
	}
	if d.Registry == nil {
		d.Registry, _ = registry.Open(filepath.Join(cfg.DataDir, "inventory.json"))
	}

	d.Profiles, err = roles.Load(cfg.RolesDir, cfg)
	if err != nil {
		return nil, err
	}
	d.Engines = engine.NewRegistry()

	sessStore, err := scheduler.NewStore(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		return nil, err
	}
	d.Sched = scheduler.New(logger, sessStore, d.Engines, d.Profiles, d.Bus,
		filepath.Join(cfg.DataDir, "log", "sessions"), cfg.Engines.Binaries)

	hookDirs, err := d.hookDirs()
	if err != nil {
		return nil, err
	}
	d.Hooks = hooks.New(hookDirs)
	d.Hooks.DefaultTimeout = cfg.HookTimeout()

	d.Repo = gitrepo.New(cfg.Project.Root)
	d.Trans = issue.NewTransitions(cfg.Project.Root, d.Repo, d.Hooks, d.Bus, cfg.Project.Trunk)

	d.Tree = mailbox.NewTree(filepath.Join(cfg.DataDir, "mailbox"))
	policy := mailbox.RetryPolicy{
		Base:       time.Duration(cfg.Mailbox.RetryBaseSec) * time.Second,
		Factor:     2,
		Cap:        time.Duration(cfg.Mailbox.RetryCapSec) * time.Second,
		MaxRetries: cfg.Mailbox.MaxRetries,
	}
	d.Outbound = mailbox.NewDispatcher(d.Tree, policy, logger)
	d.Outbound.Interval = time.Duration(cfg.Mailbox.PollIntervalSec) * time.Second
	d.Outbound.Register(mailbox.LoopbackAdapter{Tree: d.Tree})
	for provider, url := range cfg.Mailbox.Webhooks {
		d.Outbound.Register(mailbox.NewWebhookAdapter(provider, url))
	}

	d.buildWatchers()
	if err := d.buildRouter(); err != nil {
		return nil, err
	}

	d.server = NewServer(d)
	return d, nil
}

// hookDirs returns the hook discovery search order: project-local,
// user-global, configured extras (prefix-resolved), then the built-in
// hooks materialized from the embedded distribution set.
func (d *Daemon) hookDirs() ([]string, error) {
	cfg := d.Cfg
	dirs := []string{filepath.Join(cfg.DataDir, "hooks")}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "agents", "hooks"))
	}

	resolver := paths.New(map[string]string{
		"issues":  filepath.Join(cfg.Project.Root, "Issues"),
		"memos":   filepath.Join(cfg.Project.Root, "Memos"),
		"mailbox": filepath.Join(cfg.DataDir, "mailbox"),
		"data":    cfg.DataDir,
	})
	for _, extra := range cfg.Hooks.ExtraDirs {
		resolved, err := resolver.Resolve(extra)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, resolved)
	}

	builtin := filepath.Join(cfg.DataDir, "hooks-builtin")
	if err := materializeBuiltinHooks(builtin); err != nil {
		return nil, err
	}
	return append(dirs, builtin), nil
}

// materializeBuiltinHooks writes the embedded built-in hook scripts to
// dir so the engine's directory scan (and the scripts' execute bits)
// work the same as for user hooks.
func materializeBuiltinHooks(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries, err := fs.ReadDir(defaults.HooksFS, "hooks")
	if err != nil {
		return err
	}
	for _, e := range entries {
		data, err := fs.ReadFile(defaults.HooksFS, filepath.Join("hooks", e.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, e.Name()), data, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) buildWatchers() {
	cfg := d.Cfg
	interval := time.Duration(cfg.Watch.PollIntervalSec) * time.Second
	m := watch.NewManager(d.Logger)
	m.Add(watch.NewIssueWatcher(cfg.Project.Root, d.Bus, interval, d.Logger))
	m.Add(watch.NewMemoWatcher(cfg.Project.Root, d.Bus, interval, d.Logger))
	m.Add(watch.NewTaskWatcher(cfg.Project.Root, d.Bus, d.State, interval, d.Logger))
	m.Add(watch.NewMailboxInboundWatcher(d.Tree, d.Bus, interval,
		time.Duration(cfg.Mailbox.DebounceQuietSec)*time.Second,
		time.Duration(cfg.Mailbox.DebounceCeilingSec)*time.Second,
		d.Logger))
	d.Watchers = m

	if cfg.Forge.Configured() && cfg.Forge.Provider == "github" {
		provider, err := forge.NewGitHub(cfg.Forge)
		if err != nil {
			d.Logger.Warn("forge disabled", "error", err)
			return
		}
		d.prWatcher = forge.NewPRWatcher(provider, cfg.Forge.Repo, d.Bus, d.State,
			time.Duration(cfg.Forge.PollIntervalSec)*time.Second, d.Logger)
	}
}

// Run starts everything, serves until ctx is cancelled, then shuts
// down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.Cfg
	if err := CheckStale(cfg.DataDir); err != nil {
		return err
	}
	ln, port, err := ClaimPort(cfg.Listen.Address, cfg.Listen.Port, cfg.Listen.PortRange)
	if err != nil {
		return err
	}
	d.listener = ln
	d.port = port
	d.startedAt = time.Now().UTC()

	if err := writePID(cfg.DataDir, PIDFile{
		PID: os.Getpid(), Host: cfg.Listen.Address, Port: port, StartedAt: d.startedAt,
	}); err != nil {
		ln.Close()
		return monocoerr.Wrap(monocoerr.Fatal, err)
	}
	defer RemovePID(cfg.DataDir)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.Sched.Start(runCtx); err != nil {
		return err
	}
	go d.Router.Run(runCtx, d.Bus)
	go d.Outbound.Run(runCtx)
	if err := d.Watchers.Start(runCtx); err != nil {
		return err
	}
	if d.prWatcher != nil {
		if err := d.prWatcher.Start(runCtx); err != nil {
			return err
		}
	}

	d.Logger.Info("daemon started",
		"project", cfg.Project.Root, "slug", cfg.Project.Slug,
		"address", cfg.Listen.Address, "port", port,
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.server.Serve(ln) }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			d.Logger.Error("http server failed", "error", err)
		}
	}

	// Shutdown: HTTP first (stops new work), then watchers, then the
	// scheduler (which detaches rather than kills owned agents).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = d.server.Shutdown(shutdownCtx)
	if d.prWatcher != nil {
		d.prWatcher.Stop()
	}
	d.Watchers.Stop()
	cancel()
	d.Sched.Stop()
	if err := d.State.Close(); err != nil {
		d.Logger.Warn("opstate close failed", "error", err)
	}
	d.Logger.Info("daemon stopped")
	return nil
}

// Port returns the claimed HTTP port (valid after Run begins serving).
func (d *Daemon) Port() int { return d.port }

// schedAdapter bridges the action package's Scheduler interface to the
// concrete scheduler, keeping action free of the supervision machinery.
type schedAdapter struct {
	s *scheduler.Scheduler
}

func (a schedAdapter) Schedule(ctx context.Context, t action.AgentTask) (string, error) {
	return a.s.Schedule(ctx, scheduler.Task{
		Role:     t.Role,
		IssueID:  t.IssueID,
		Prompt:   t.Prompt,
		Engine:   t.Engine,
		Timeout:  t.Timeout,
		Metadata: t.Metadata,
	})
}

// taskPromptTemplate is the Architect prompt for a new task line, as
// distinct from the memo-driven profile template.
const taskPromptTemplate = `You are the Architect for this project. A new task line was added to tasks.md:

{{.text}}

Turn it into a draft issue under Issues/ with a clear title, body, and type.`

// buildRouter registers the default routing table.
func (d *Daemon) buildRouter() error {
	r := action.New(0)
	sched := schedAdapter{s: d.Sched}

	spawn := func(role, template string) (*action.SpawnAgentAction, error) {
		profile, _ := d.Profiles.Get(role)
		if template == "" {
			template = profile.PromptTemplate
		}
		return action.NewSpawnAgentAction(role, template, profile.Engine, profile.Timeout(), sched, d.Bus)
	}

	architect, err := spawn("Architect", "")
	if err != nil {
		return err
	}
	r.Register(events.MemoPresent, action.Always{}, &drainMemosAction{inner: architect, logger: d.Logger})

	taskArchitect, err := spawn("Architect", taskPromptTemplate)
	if err != nil {
		return err
	}
	r.Register(events.TaskAdded, action.Always{}, taskArchitect)

	engineer, err := spawn("Engineer", "")
	if err != nil {
		return err
	}
	r.Register(events.IssueFieldChanged, action.And{
		action.FieldEquals{Field: "field", Value: "stage"},
		action.FieldEquals{Field: "new", Value: "doing"},
	}, engineer)

	reviewer, err := spawn("Reviewer", "")
	if err != nil {
		return err
	}
	r.Register(events.PRCreated, action.Always{}, reviewer)

	coroner, err := spawn("Coroner", "")
	if err != nil {
		return err
	}
	r.Register(events.SessionFailed, action.Not{
		Condition: action.FieldEquals{Field: "role", Value: "Coroner"},
	}, coroner)

	prime, err := spawn("Prime", "")
	if err != nil {
		return err
	}
	r.Register(events.MailboxInboundReady, action.Or{
		action.HasPrefix{Field: "text", Prefix: "/"},
		action.FieldEquals{Field: "mentioned", Value: "true"},
	}, prime)

	d.Router = r
	return nil
}

// drainMemosAction wraps the Architect spawn with the atomic
// load-and-clear of the memo inbox: the inbox is truncated before the
// prompt is built, so a daemon restart does not re-fire on memos the
// Architect already received. Historical audit is version control's job.
type drainMemosAction struct {
	inner  *action.SpawnAgentAction
	logger *slog.Logger
}

func (a *drainMemosAction) Name() string { return "DrainMemos+" + a.inner.Name() }

func (a *drainMemosAction) CanExecute(payload map[string]any) bool {
	_, ok := payload["path"].(string)
	return ok && a.inner.CanExecute(payload)
}

func (a *drainMemosAction) Execute(ctx context.Context, payload map[string]any) (action.Result, error) {
	path, _ := payload["path"].(string)
	memos, err := memo.Drain(path)
	if err != nil {
		return action.Result{}, monocoerr.Wrap(monocoerr.TransientIO, err)
	}
	if len(memos) == 0 {
		return action.Result{Declined: true, Detail: "inbox already drained"}, nil
	}
	a.logger.Info("memo inbox drained", "count", len(memos))

	// Rebuild the payload with the rendered memos so the prompt
	// template sees exactly what was consumed.
	enriched := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		enriched[k] = v
	}
	enriched["memos"] = memo.Render(memos)
	return a.inner.Execute(ctx, enriched)
}

// RegisterBinding exposes router configuration for project-specific
// bindings beyond the defaults.
func (d *Daemon) RegisterBinding(eventType events.EventType, cond action.Condition, act action.Action) {
	d.Router.Register(eventType, cond, act)
}
