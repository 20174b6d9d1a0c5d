package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/monocod/internal/engine"
	"github.com/nugget/monocod/internal/events"
	"github.com/nugget/monocod/internal/monocoerr"
	"github.com/nugget/monocod/internal/roles"
)

// DefaultQueueDepth bounds each role's FIFO of tasks waiting on a
// concurrency slot. Overflow fails with QuotaExhausted.
const DefaultQueueDepth = 32

// tailBytes is how much of a failed session's output is carried on the
// session.failed event for the Coroner prompt.
const tailBytes = 2048

// graceTimeout is how long a terminated or timed-out agent gets between
// SIGTERM and SIGKILL.
const graceTimeout = 5 * time.Second

// Scheduler spawns and supervises external agent processes under
// per-role concurrency quotas, persisting every session state
// transition to disk.
type Scheduler struct {
	logger   *slog.Logger
	store    *Store
	engines  *engine.Registry
	profiles *roles.Registry
	bus      *events.Bus
	logDir   string
	binaries map[string]string // engine name -> binary path override

	mu           sync.Mutex
	sessions     map[string]*Session
	handles      map[string]*exec.Cmd
	terminating  map[string]bool
	active       map[string]int     // role -> owned sessions holding a slot
	queues       map[string][]*Task // role -> waiting tasks
	activeIssues map[string]string  // issue id -> session id
	running      bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// New creates a scheduler. logDir receives one output log per session;
// binaries optionally overrides each engine's argv[0].
func New(logger *slog.Logger, store *Store, engines *engine.Registry, profiles *roles.Registry, bus *events.Bus, logDir string, binaries map[string]string) *Scheduler {
	return &Scheduler{
		logger:       logger,
		store:        store,
		engines:      engines,
		profiles:     profiles,
		bus:          bus,
		logDir:       logDir,
		binaries:     binaries,
		sessions:     make(map[string]*Session),
		handles:      make(map[string]*exec.Cmd),
		terminating:  make(map[string]bool),
		active:       make(map[string]int),
		queues:       make(map[string][]*Task),
		activeIssues: make(map[string]string),
		stopCh:       make(chan struct{}),
	}
}

// Start loads session records left by a previous daemon run and
// reconciles them: pending/running records whose pid is no longer live
// are marked terminated; live ones load in observer mode with no child
// handle. A session can thus outlive a daemon restart in read-only form
// while the originating agent continues detached.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	onDisk, err := s.store.List()
	if err != nil {
		return fmt.Errorf("scheduler: scan sessions: %w", err)
	}
	observers := 0
	for _, sess := range onDisk {
		sess.Mode = ModeObserver
		if !sess.State.Terminal() {
			if PidAlive(sess.PID) {
				sess.State = StateRunning
				if sess.IssueID != "" {
					s.activeIssues[sess.IssueID] = sess.SessionID
				}
				observers++
			} else {
				sess.State = StateTerminated
				now := time.Now().UTC()
				sess.FinishedAt = &now
				if err := s.store.Save(sess); err != nil {
					s.logger.Warn("failed to persist reconciled session", "session", sess.SessionID, "error", err)
				}
			}
		}
		s.sessions[sess.SessionID] = sess
	}

	s.running = true
	s.logger.Info("scheduler started", "sessions_on_disk", len(onDisk), "observers", observers)
	return nil
}

// Schedule places a task. If the role has a free concurrency slot the
// agent process is spawned immediately and the new session id returned.
// Otherwise the task is enqueued on the role's bounded FIFO and an
// empty session id is returned (the session record is created when the
// task later starts, keeping the pending+running count within the
// role's cap). Queue overflow fails with QuotaExhausted.
func (s *Scheduler) Schedule(ctx context.Context, task Task) (string, error) {
	profile, _ := s.profiles.Get(task.Role)
	if task.Engine == "" {
		task.Engine = profile.Engine
	}
	if task.Timeout <= 0 {
		task.Timeout = profile.Timeout()
	}

	// Resolve the adapter up front so an unknown engine fails the
	// schedule call rather than the spawned session.
	if _, err := s.engines.Get(task.Engine); err != nil {
		return "", monocoerr.Wrap(monocoerr.ValidationFailure, err)
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return "", monocoerr.New(monocoerr.PreconditionFailure, "scheduler is not running")
	}
	if task.IssueID != "" {
		if sid, busy := s.activeIssues[task.IssueID]; busy {
			s.mu.Unlock()
			return "", monocoerr.Newf(monocoerr.PreconditionFailure,
				"issue %s already has active session %s", task.IssueID, sid)
		}
	}

	limit := profile.Concurrency
	if limit < 1 {
		limit = 1
	}
	if s.active[task.Role] >= limit {
		depth := profile.QueueDepth
		if depth <= 0 {
			depth = DefaultQueueDepth
		}
		if len(s.queues[task.Role]) >= depth {
			s.mu.Unlock()
			return "", monocoerr.Newf(monocoerr.QuotaExhausted,
				"role %s queue full (%d waiting)", task.Role, depth)
		}
		t := task
		s.queues[task.Role] = append(s.queues[task.Role], &t)
		s.mu.Unlock()
		s.logger.Debug("task queued", "role", task.Role, "issue", task.IssueID)
		return "", nil
	}

	sess := s.reserveLocked(task)
	s.mu.Unlock()

	return sess.SessionID, s.spawn(sess, task)
}

// reserveLocked claims a concurrency slot and creates the pending
// session record. Caller holds s.mu.
func (s *Scheduler) reserveLocked(task Task) *Session {
	sess := &Session{
		SessionID:  uuid.New().String(),
		Role:       task.Role,
		IssueID:    task.IssueID,
		State:      StatePending,
		StartedAt:  time.Now().UTC(),
		Engine:     task.Engine,
		TimeoutSec: int(task.Timeout / time.Second),
		Metadata:   task.Metadata,
		Mode:       ModeOwner,
	}
	sess.LogPath = filepath.Join(s.logDir, sess.SessionID+".log")
	s.sessions[sess.SessionID] = sess
	s.active[task.Role]++
	if task.IssueID != "" {
		s.activeIssues[task.IssueID] = sess.SessionID
	}
	return sess
}

// spawn launches the agent process for an already-reserved session and
// hands it to a supervision goroutine.
func (s *Scheduler) spawn(sess *Session, task Task) error {
	if err := s.store.Save(sess); err != nil {
		s.failSpawn(sess)
		return monocoerr.Wrap(monocoerr.TransientIO, err)
	}

	adapter, err := s.engines.Get(task.Engine)
	if err != nil {
		s.failSpawn(sess)
		return monocoerr.Wrap(monocoerr.ValidationFailure, err)
	}
	argv, env, err := adapter.BuildCommand(engine.Task{
		Role: task.Role, IssueID: task.IssueID, Prompt: task.Prompt, Metadata: task.Metadata,
	})
	if err != nil {
		s.failSpawn(sess)
		return monocoerr.Wrap(monocoerr.ValidationFailure, err)
	}
	if bin, ok := s.binaries[task.Engine]; ok && bin != "" {
		argv[0] = bin
	}

	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		s.failSpawn(sess)
		return monocoerr.Wrap(monocoerr.TransientIO, err)
	}
	logFile, err := os.Create(sess.LogPath)
	if err != nil {
		s.failSpawn(sess)
		return monocoerr.Wrap(monocoerr.TransientIO, err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if env != nil {
		cmd.Env = append(os.Environ(), env...)
	}
	// Agent stderr is captured into the session log, never intermixed
	// with daemon logs. A separate process group detaches the agent
	// from terminal signals aimed at the daemon, so a daemon shutdown
	// leaves the agent running (it reloads in observer mode).
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		s.failSpawn(sess)
		return monocoerr.Wrap(monocoerr.AgentFailed, err)
	}

	s.mu.Lock()
	sess.PID = cmd.Process.Pid
	sess.State = StateRunning
	s.handles[sess.SessionID] = cmd
	s.mu.Unlock()

	if err := s.store.Save(sess); err != nil {
		s.logger.Warn("failed to persist running session", "session", sess.SessionID, "error", err)
	}
	s.logger.Info("agent spawned",
		"session", sess.SessionID, "role", sess.Role, "issue", sess.IssueID,
		"engine", sess.Engine, "pid", sess.PID,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer logFile.Close()
		s.supervise(sess, cmd, task.Timeout)
	}()
	return nil
}

// failSpawn finalizes a session that never got a process and publishes
// the failure so the router's Coroner binding still sees it.
func (s *Scheduler) failSpawn(sess *Session) {
	s.release(sess, StateFailed, nil)
	s.publish(events.SessionFailed, sess, -1)
}

// supervise watches one owned session: process exit, wall-clock
// timeout, and daemon shutdown. On shutdown it detaches — the agent
// keeps running and the still-running record is reconciled on the next
// daemon start.
func (s *Scheduler) supervise(sess *Session, cmd *exec.Cmd, timeout time.Duration) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-waitCh:
		code := exitCode(err)
		s.mu.Lock()
		wasTerminating := s.terminating[sess.SessionID]
		delete(s.terminating, sess.SessionID)
		s.mu.Unlock()

		switch {
		case wasTerminating:
			s.release(sess, StateTerminated, &code)
		case code == 0:
			s.release(sess, StateCompleted, &code)
			s.publish(events.SessionCompleted, sess, code)
		default:
			s.release(sess, StateFailed, &code)
			s.publish(events.SessionFailed, sess, code)
		}

	case <-timer.C:
		s.logger.Warn("session timed out", "session", sess.SessionID, "role", sess.Role)
		s.signalAndKill(cmd, waitCh)
		code := -1
		s.release(sess, StateTimeout, &code)
		s.publish(events.SessionFailed, sess, code)

	case <-s.stopCh:
		// Detach: persist the running state and leave the agent alive.
		if err := s.store.Save(sess); err != nil {
			s.logger.Warn("failed to persist session at shutdown", "session", sess.SessionID, "error", err)
		}
	}
}

// signalAndKill sends SIGTERM, waits the grace period, then SIGKILLs.
func (s *Scheduler) signalAndKill(cmd *exec.Cmd, waitCh chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitCh:
	case <-time.After(graceTimeout):
		_ = cmd.Process.Kill()
		<-waitCh
	}
}

// release finalizes a session, frees its concurrency slot, and starts
// the next queued task for the role if a slot is now open.
func (s *Scheduler) release(sess *Session, state State, exitCode *int) {
	now := time.Now().UTC()

	s.mu.Lock()
	sess.State = state
	sess.ExitCode = exitCode
	sess.FinishedAt = &now
	delete(s.handles, sess.SessionID)
	if s.active[sess.Role] > 0 {
		s.active[sess.Role]--
	}
	if sess.IssueID != "" && s.activeIssues[sess.IssueID] == sess.SessionID {
		delete(s.activeIssues, sess.IssueID)
	}

	var next *Task
	if s.running {
		// Pop the first waiting task whose issue (if any) is free, so a
		// queued task never violates the one-session-per-issue rule.
		q := s.queues[sess.Role]
		for i, t := range q {
			if t.IssueID != "" {
				if _, busy := s.activeIssues[t.IssueID]; busy {
					continue
				}
			}
			next = t
			s.queues[sess.Role] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	var nextSess *Session
	if next != nil {
		nextSess = s.reserveLocked(*next)
	}
	s.mu.Unlock()

	if err := s.store.Save(sess); err != nil {
		s.logger.Warn("failed to persist finished session", "session", sess.SessionID, "error", err)
	}
	s.logger.Info("session finished",
		"session", sess.SessionID, "role", sess.Role, "state", state,
	)

	if next != nil {
		if err := s.spawn(nextSess, *next); err != nil {
			s.logger.Error("failed to start queued task", "role", next.Role, "error", err)
		}
	}
}

func (s *Scheduler) publish(typ events.EventType, sess *Session, code int) {
	if s.bus == nil {
		return
	}
	payload := map[string]any{
		"session_id": sess.SessionID,
		"role":       sess.Role,
		"exit_code":  code,
	}
	if sess.IssueID != "" {
		payload["issue_id"] = sess.IssueID
	}
	if typ == events.SessionFailed {
		payload["output_tail"] = Tail(sess.LogPath, tailBytes)
	}
	s.bus.Publish(events.Event{Type: typ, Payload: payload, CorrelationID: sess.SessionID})
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// Terminate requests best-effort cancellation of a session: SIGTERM,
// then SIGKILL after the grace period. Idempotent — terminating an
// already-terminal session is a no-op. Observer-mode sessions are
// signalled by pid.
func (s *Scheduler) Terminate(sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return monocoerr.Newf(monocoerr.ValidationFailure, "unknown session %s", sessionID)
	}
	if sess.State.Terminal() {
		s.mu.Unlock()
		return nil
	}
	cmd, owned := s.handles[sessionID]
	if owned {
		s.terminating[sessionID] = true
	}
	pid := sess.PID
	s.mu.Unlock()

	if owned {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
			go func() {
				time.Sleep(graceTimeout)
				s.mu.Lock()
				stillTerminating := s.terminating[sessionID]
				s.mu.Unlock()
				if stillTerminating {
					_ = cmd.Process.Kill()
				}
			}()
		}
		return nil
	}

	// Observer mode: no child handle, signal by pid and record the
	// terminal state ourselves.
	if PidAlive(pid) {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
	now := time.Now().UTC()
	s.mu.Lock()
	sess.State = StateTerminated
	sess.FinishedAt = &now
	if sess.IssueID != "" && s.activeIssues[sess.IssueID] == sessionID {
		delete(s.activeIssues, sess.IssueID)
	}
	s.mu.Unlock()
	return s.store.Save(sess)
}

// Status returns a copy of one session's current record. Observer-mode
// sessions re-derive running/terminated from pid liveness on each call.
func (s *Scheduler) Status(sessionID string) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok && sess.Mode == ModeObserver && sess.State == StateRunning && !PidAlive(sess.PID) {
		sess.State = StateTerminated
		now := time.Now().UTC()
		sess.FinishedAt = &now
		if sess.IssueID != "" && s.activeIssues[sess.IssueID] == sessionID {
			delete(s.activeIssues, sess.IssueID)
		}
		_ = s.store.Save(sess)
	}
	if !ok {
		s.mu.Unlock()
		return nil, monocoerr.Newf(monocoerr.ValidationFailure, "unknown session %s", sessionID)
	}
	cp := sess.Clone()
	s.mu.Unlock()
	return cp, nil
}

// ListActive returns copies of every non-terminal session.
func (s *Scheduler) ListActive() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, sess := range s.sessions {
		if !sess.State.Terminal() {
			out = append(out, sess.Clone())
		}
	}
	return out
}

// ListAll returns copies of every known session, including terminal
// ones loaded from disk.
func (s *Scheduler) ListAll() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	return out
}

// Stats returns a scheduler-wide load snapshot.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Running:  s.running,
		Sessions: len(s.sessions),
		Roles:    make(map[string]RoleStats),
	}
	for _, sess := range s.sessions {
		if sess.State.Terminal() {
			continue
		}
		if sess.Mode == ModeObserver {
			stats.Observers++
		}
		stats.Active++
	}
	for role, count := range s.active {
		profile, _ := s.profiles.Get(role)
		stats.Roles[role] = RoleStats{
			Active: count,
			Queued: len(s.queues[role]),
			Cap:    profile.Concurrency,
		}
	}
	return stats
}

// Stop shuts the scheduler down. Owned sessions are detached, not
// killed: their supervision goroutines persist a still-running record
// and exit, and the agents continue under the OS (reconciled in
// observer mode on the next daemon start).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.queues = make(map[string][]*Task)
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}
