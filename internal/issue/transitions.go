package issue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nugget/monocod/internal/events"
	"github.com/nugget/monocod/internal/gitrepo"
	"github.com/nugget/monocod/internal/hooks"
	"github.com/nugget/monocod/internal/monocoerr"
)

// Transitions implements create/start/sync-files/submit/close against
// one project's Issues/ tree. Start, Submit and Close are serialized per
// issue id via a per-id mutex held through the hook chain and the file
// operations; Create and a direct SyncFiles call take no lock.
type Transitions struct {
	Store  *Store
	Repo   *gitrepo.Repo
	Hooks  *hooks.Engine
	Bus    *events.Bus
	Trunk  string // configured trunk branch name, default "main"

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewTransitions constructs a Transitions for the given project root.
func NewTransitions(root string, repo *gitrepo.Repo, hookEngine *hooks.Engine, bus *events.Bus, trunk string) *Transitions {
	if trunk == "" {
		trunk = "main"
	}
	return &Transitions{
		Store: New(root),
		Repo:  repo,
		Hooks: hookEngine,
		Bus:   bus,
		Trunk: trunk,
		locks: make(map[string]*sync.Mutex),
	}
}

func (t *Transitions) lockFor(id string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.locks[id]
	if !ok {
		m = &sync.Mutex{}
		t.locks[id] = m
	}
	return m
}

func (t *Transitions) runHook(ctx context.Context, event string, payload map[string]any) (hooks.Decision, error) {
	if t.Hooks == nil {
		return hooks.Allow(), nil
	}
	return t.Hooks.Dispatch(ctx, event, "", "", payload)
}

func (t *Transitions) publish(typ events.EventType, payload map[string]any) {
	if t.Bus == nil {
		return
	}
	t.Bus.Publish(events.Event{Type: typ, Payload: payload})
}

// Create allocates the next id for typ, writes the file in open/ with
// stage=draft, and runs post-create hooks. A post-create hook returning
// deny is surfaced on stderr (by the caller) without aborting — the
// creation already happened.
func (t *Transitions) Create(ctx context.Context, typ Type, title, body string) (*Issue, hooks.Decision, error) {
	id, err := t.Store.NextID(typ)
	if err != nil {
		return nil, hooks.Decision{}, monocoerr.Wrap(monocoerr.TransientIO, err)
	}
	now := time.Now().UTC()
	iss := &Issue{
		Front: Front{
			ID:        id,
			TypeField: typ,
			Status:    StatusOpen,
			Stage:     StageDraft,
			Title:     title,
			CreatedAt: now,
			UpdatedAt: now,
			Files:     []string{},
		},
		Body: body,
	}
	iss.Path = filepath.Join(t.Store.dirForStatus(typ, StatusOpen), iss.Filename())
	if err := Save(iss); err != nil {
		return nil, hooks.Decision{}, monocoerr.Wrap(monocoerr.TransientIO, err)
	}
	t.publish(events.IssueCreated, map[string]any{"id": id})

	dec, err := t.runHook(ctx, "post-create", map[string]any{"id": id, "path": iss.Path})
	return iss, dec, err
}

// Start transitions an issue draft/todo -> doing, creating the
// requested isolation (branch or worktree, default worktree).
func (t *Transitions) Start(ctx context.Context, id string, mode string) (*Issue, error) {
	lock := t.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	iss, err := t.Store.Find(id)
	if err != nil {
		return nil, monocoerr.Wrap(monocoerr.ValidationFailure, err)
	}
	if iss.Front.Isolation != nil {
		return nil, monocoerr.New(monocoerr.PreconditionFailure, "isolation already exists for "+id)
	}
	if mode == "" {
		mode = "worktree"
	}

	dec, err := t.runHook(ctx, "pre-start", map[string]any{"id": id, "mode": mode})
	if err != nil {
		return nil, err
	}
	if dec.Decision == "deny" {
		return nil, monocoerr.New(monocoerr.HookDenied, dec.Reason)
	}

	trunk, err := t.Repo.TrunkBranch(ctx, t.Trunk)
	if err != nil {
		return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
	}
	branchName := fmt.Sprintf("%s-%s", lowerID(id), time.Now().UTC().Format("20060102150405"))
	now := time.Now().UTC()
	iso := &Isolation{Type: mode, Ref: branchName, CreatedAt: &now}

	switch mode {
	case "worktree":
		path := filepath.Join(t.Repo.Dir, ".monoco", "worktrees", lowerID(id))
		if err := t.Repo.CreateWorktree(ctx, path, branchName, trunk); err != nil {
			return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
		}
		iso.Path = path
	case "branch":
		if err := t.Repo.CreateBranch(ctx, branchName, trunk); err != nil {
			return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
		}
	case "direct":
		// no isolation created; operates directly on trunk.
	default:
		return nil, monocoerr.Newf(monocoerr.ValidationFailure, "unknown start mode %q", mode)
	}

	old := iss.Front.Stage
	iss.Front.Isolation = iso
	iss.Front.Stage = StageDoing
	iss.Front.UpdatedAt = now
	if err := Save(iss); err != nil {
		return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
	}

	t.publish(events.IssueFieldChanged, map[string]any{
		"id": id, "field": "stage", "old": string(old), "new": string(StageDoing),
	})
	_, _ = t.runHook(ctx, "post-start", map[string]any{"id": id, "isolation": iso})
	return iss, nil
}

func lowerID(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c >= 'A' && c <= 'Z' {
			c = c - 'A' + 'a'
		}
		out[i] = c
	}
	return string(out)
}

// SyncFiles enumerates files changed on the issue's branch vs. trunk and
// rewrites the issue's `files` preamble field, excluding the issue file
// itself.
func (t *Transitions) SyncFiles(ctx context.Context, id string) (*Issue, error) {
	iss, err := t.Store.Find(id)
	if err != nil {
		return nil, monocoerr.Wrap(monocoerr.ValidationFailure, err)
	}
	if iss.Front.Isolation == nil {
		return nil, monocoerr.New(monocoerr.PreconditionFailure, id+" has no isolation to sync from")
	}
	trunk, err := t.Repo.TrunkBranch(ctx, t.Trunk)
	if err != nil {
		return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
	}
	names, err := t.Repo.DiffNames(ctx, trunk, iss.Front.Isolation.Ref)
	if err != nil {
		return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
	}
	issueRel, _ := filepath.Rel(t.Repo.Dir, iss.Path)
	files := make([]string, 0, len(names))
	for _, n := range names {
		if n == issueRel {
			continue
		}
		files = append(files, n)
	}
	iss.Front.Files = files
	iss.Front.UpdatedAt = time.Now().UTC()
	if err := Save(iss); err != nil {
		return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
	}
	return iss, nil
}

// Linter runs the lint pass invoked from the pre-submit hook chain.
// StructuralLinter (lint.go) is the implementation in this package.
type Linter interface {
	Lint(ctx context.Context, iss *Issue) error
}

// Submit runs the pre-submit hook chain (sync-files, then lint) and on
// success transitions stage doing -> review.
func (t *Transitions) Submit(ctx context.Context, id string, lint Linter) (*Issue, error) {
	lock := t.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	dec, err := t.runHook(ctx, "pre-submit", map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if dec.Decision == "deny" {
		return nil, monocoerr.New(monocoerr.HookDenied, dec.Reason)
	}

	iss, err := t.SyncFiles(ctx, id)
	if err != nil {
		return nil, err
	}
	if lint != nil {
		if err := lint.Lint(ctx, iss); err != nil {
			return nil, monocoerr.Wrap(monocoerr.ValidationFailure, err)
		}
	}

	old := iss.Front.Stage
	iss.Front.Stage = StageReview
	iss.Front.UpdatedAt = time.Now().UTC()
	if err := Save(iss); err != nil {
		return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
	}
	t.publish(events.IssueFieldChanged, map[string]any{
		"id": id, "field": "stage", "old": string(old), "new": string(StageReview),
	})
	_, _ = t.runHook(ctx, "post-submit", map[string]any{"id": id})
	return iss, nil
}

// CloseResult reports the outcome of a scoped close.
type CloseResult struct {
	Issue     *Issue
	Conflicts []string
}

// activeFileClaims returns the set of files claimed by every other
// issue's in-flight (non-done) files list, used to exclude them from
// this issue's scoped merge.
func (t *Transitions) activeFileClaims(excludeID string) (map[string]bool, error) {
	issues, err := t.Store.List(false)
	if err != nil {
		return nil, err
	}
	claims := make(map[string]bool)
	for _, iss := range issues {
		if iss.Front.ID == excludeID {
			continue
		}
		if iss.Front.Stage == StageDone || iss.Front.Status == StatusClosed {
			continue
		}
		for _, f := range iss.Front.Files {
			claims[f] = true
		}
	}
	return claims, nil
}

// Close performs the scoped atomic merge: for every file in the issue's
// files list, minus other issues' in-flight claims, minus the issue file
// itself, checks out that file from the feature branch onto trunk. If
// any in-scope file conflicts the entire merge aborts, trunk is left
// untouched, and the conflict set is returned. On success the issue
// file found in the project tree moves to closed/ with solution set and
// stage -> done, and (unless noPrune) the isolation is torn down. The
// feature branch's copy of the issue file is not read or checked out.
func (t *Transitions) Close(ctx context.Context, id, solution string, noPrune bool) (*CloseResult, error) {
	lock := t.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	iss, err := t.Store.Find(id)
	if err != nil {
		return nil, monocoerr.Wrap(monocoerr.ValidationFailure, err)
	}
	if iss.Front.Status == StatusClosed {
		return nil, monocoerr.New(monocoerr.PreconditionFailure, id+" is already closed")
	}
	if iss.Front.Isolation == nil {
		return nil, monocoerr.New(monocoerr.PreconditionFailure, id+" has no isolation to close from")
	}

	dec, err := t.runHook(ctx, "pre-close", map[string]any{
		"id": id, "stage": string(iss.Front.Stage), "status": string(iss.Front.Status),
	})
	if err != nil {
		return nil, err
	}
	if dec.Decision == "deny" {
		return nil, monocoerr.New(monocoerr.HookDenied, dec.Reason)
	}

	trunk, err := t.Repo.TrunkBranch(ctx, t.Trunk)
	if err != nil {
		return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
	}
	claims, err := t.activeFileClaims(id)
	if err != nil {
		return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
	}
	issueRel, _ := filepath.Rel(t.Repo.Dir, iss.Path)

	var scope []string
	for _, f := range iss.Front.Files {
		if f == issueRel || claims[f] {
			continue
		}
		scope = append(scope, f)
	}

	var conflicts []string
	for _, f := range scope {
		conflict, err := t.Repo.ConflictsFor(ctx, trunk, iss.Front.Isolation.Ref, f)
		if err != nil {
			return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
		}
		if conflict {
			conflicts = append(conflicts, f)
		}
	}
	if len(conflicts) > 0 {
		return &CloseResult{Issue: iss, Conflicts: conflicts}, monocoerr.New(monocoerr.MergeConflict, "conflicting files: "+joinComma(conflicts))
	}

	for _, f := range scope {
		if err := t.Repo.CheckoutFile(ctx, iss.Front.Isolation.Ref, f); err != nil {
			return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
		}
		if err := t.Repo.Add(ctx, f); err != nil {
			return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
		}
	}
	if len(scope) > 0 {
		if err := t.Repo.Commit(ctx, fmt.Sprintf("%s: scoped merge at close", id)); err != nil {
			return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
		}
	}

	// The issue file is rewritten from the in-memory copy loaded above,
	// not taken from the feature branch, and the rewrite is not committed.
	sol := solution
	newPath := filepath.Join(t.Store.dirForStatus(iss.Front.TypeField, StatusClosed), iss.Filename())
	iss.Front.Status = StatusClosed
	iss.Front.Stage = StageDone
	iss.Front.Solution = &sol
	iss.Front.UpdatedAt = time.Now().UTC()
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
	}
	oldPath := iss.Path
	iss.Path = newPath
	if err := Save(iss); err != nil {
		return nil, monocoerr.Wrap(monocoerr.TransientIO, err)
	}
	if oldPath != newPath {
		_ = os.Remove(oldPath)
	}

	if !noPrune {
		iso := iss.Front.Isolation
		if iso.Type == "worktree" {
			_ = t.Repo.RemoveWorktree(ctx, iso.Path, iso.Ref)
		} else if iso.Type == "branch" {
			_ = t.Repo.RemoveBranch(ctx, iso.Ref)
		}
	}

	t.publish(events.IssueFieldChanged, map[string]any{
		"id": id, "field": "status", "old": string(StatusOpen), "new": string(StatusClosed),
	})
	_, _ = t.runHook(ctx, "post-close", map[string]any{"id": id})
	return &CloseResult{Issue: iss}, nil
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
