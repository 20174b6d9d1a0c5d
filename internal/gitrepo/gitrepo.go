// Package gitrepo wraps the git CLI for the Issue Transition Core's
// isolation (branch/worktree) and scoped-merge operations. It is built on
// internal/procexec's process-execution idiom, generalized from a single
// opaque `Exec` call into named methods that each know git's specific
// exit-code and stderr shape, because start/submit/close each need to
// react to a different failure mode (branch exists, worktree path
// occupied, checkout conflict) rather than treat output as opaque text.
package gitrepo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/monocod/internal/procexec"
)

// Repo is a git working tree rooted at Dir (the project root, i.e. the
// trunk checkout).
type Repo struct {
	Dir     string
	Timeout time.Duration
}

// New returns a Repo rooted at dir with a default 30s command timeout.
func New(dir string) *Repo {
	return &Repo{Dir: dir, Timeout: 30 * time.Second}
}

func (r *Repo) run(ctx context.Context, dir string, args ...string) (*procexec.Result, error) {
	return procexec.Run(ctx, procexec.Spec{
		Argv:    append([]string{"git"}, args...),
		Dir:     dir,
		Timeout: r.Timeout,
	})
}

// TrunkBranch returns the configured branch when it exists, else
// "main" when that exists, else "master", else the configured name
// unchanged.
func (r *Repo) TrunkBranch(ctx context.Context, configured string) (string, error) {
	if configured != "" && configured != "main" {
		if r.branchExists(ctx, configured) {
			return configured, nil
		}
	}
	if r.branchExists(ctx, "main") {
		return "main", nil
	}
	if r.branchExists(ctx, "master") {
		return "master", nil
	}
	if configured != "" {
		return configured, nil
	}
	return "main", nil
}

func (r *Repo) branchExists(ctx context.Context, name string) bool {
	res, err := r.run(ctx, r.Dir, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil && res.ExitCode == 0
}

// CreateBranch creates a new branch from base without checking it out.
func (r *Repo) CreateBranch(ctx context.Context, name, base string) error {
	res, err := r.run(ctx, r.Dir, "branch", name, base)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("gitrepo: create branch %s from %s: %s", name, base, res.Stderr)
	}
	return nil
}

// CreateWorktree creates a worktree at path on a new branch tracking
// base.
func (r *Repo) CreateWorktree(ctx context.Context, path, branch, base string) error {
	res, err := r.run(ctx, r.Dir, "worktree", "add", "-b", branch, path, base)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("gitrepo: create worktree %s: %s", path, res.Stderr)
	}
	return nil
}

// RemoveWorktree removes a worktree and, best-effort, its branch.
func (r *Repo) RemoveWorktree(ctx context.Context, path, branch string) error {
	res, err := r.run(ctx, r.Dir, "worktree", "remove", "--force", path)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("gitrepo: remove worktree %s: %s", path, res.Stderr)
	}
	if branch != "" {
		_, _ = r.run(ctx, r.Dir, "branch", "-D", branch)
	}
	return nil
}

// RemoveBranch force-deletes a branch (used for branch isolation mode
// teardown, where there is no worktree to remove).
func (r *Repo) RemoveBranch(ctx context.Context, branch string) error {
	res, err := r.run(ctx, r.Dir, "branch", "-D", branch)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("gitrepo: remove branch %s: %s", branch, res.Stderr)
	}
	return nil
}

// DiffNames returns the set of files that differ between branch and
// base (branch vs. base, i.e. what changed on branch).
func (r *Repo) DiffNames(ctx context.Context, base, branch string) ([]string, error) {
	res, err := r.run(ctx, r.Dir, "diff", "--name-only", base+"..."+branch)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("gitrepo: diff %s...%s: %s", base, branch, res.Stderr)
	}
	return splitLines(res.Stdout), nil
}

// CheckoutFile checks out a single file's contents from ref onto the
// current branch (the trunk checkout), staging the change. Returns an
// error whose message indicates a conflict if the checkout cannot be
// performed cleanly against a dirty index for that path.
func (r *Repo) CheckoutFile(ctx context.Context, ref, path string) error {
	res, err := r.run(ctx, r.Dir, "checkout", ref, "--", path)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("gitrepo: checkout %s from %s: %s", path, ref, res.Stderr)
	}
	return nil
}

// Add stages a path.
func (r *Repo) Add(ctx context.Context, path string) error {
	res, err := r.run(ctx, r.Dir, "add", "--", path)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("gitrepo: add %s: %s", path, res.Stderr)
	}
	return nil
}

// Commit commits the current index.
func (r *Repo) Commit(ctx context.Context, message string) error {
	res, err := r.run(ctx, r.Dir, "commit", "-m", message)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("gitrepo: commit: %s", res.Stderr)
	}
	return nil
}

// ConflictsFor reports whether applying CheckoutFile for path from ref
// against the current trunk tree would conflict — i.e. whether trunk has
// modified path independently of the common ancestor the branch forked
// from. It compares trunk's current blob for path against the
// merge-base blob; a mismatch combined with the branch also having
// changed the file is a conflict.
func (r *Repo) ConflictsFor(ctx context.Context, trunk, branch, path string) (bool, error) {
	base, err := r.mergeBase(ctx, trunk, branch)
	if err != nil {
		return false, err
	}
	trunkChanged, err := r.blobChanged(ctx, base, trunk, path)
	if err != nil {
		return false, err
	}
	branchChanged, err := r.blobChanged(ctx, base, branch, path)
	if err != nil {
		return false, err
	}
	return trunkChanged && branchChanged, nil
}

func (r *Repo) mergeBase(ctx context.Context, a, b string) (string, error) {
	res, err := r.run(ctx, r.Dir, "merge-base", a, b)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("gitrepo: merge-base %s %s: %s", a, b, res.Stderr)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (r *Repo) blobChanged(ctx context.Context, base, ref, path string) (bool, error) {
	res, err := r.run(ctx, r.Dir, "diff", "--name-only", base, ref, "--", path)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

func splitLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
