package issue

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/monocod/internal/gitrepo"
	"github.com/nugget/monocod/internal/monocoerr"
)

// git runs a git command in dir, failing the test on error.
func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

// initRepo creates a git repo with one committed file on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	git(t, dir, "init", "-b", "main")
	git(t, dir, "config", "user.email", "test@example.com")
	git(t, dir, "config", "user.name", "Test")
	os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644)
	git(t, dir, "add", "README.md")
	git(t, dir, "commit", "-m", "initial")
	return dir
}

func newTrans(t *testing.T, root string) *Transitions {
	t.Helper()
	return NewTransitions(root, gitrepo.New(root), nil, nil, "main")
}

func TestStartSubmitClose_HappyPath(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := initRepo(t)
	trans := newTrans(t, root)
	ctx := context.Background()

	iss, _, err := trans.Create(ctx, TypeFeat, "Throttle requests", "Add a limiter.")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := iss.Front.ID

	// Start with the default worktree isolation.
	started, err := trans.Start(ctx, id, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	iso := started.Front.Isolation
	if iso == nil || iso.Type != "worktree" || iso.Path == "" {
		t.Fatalf("isolation = %+v", iso)
	}
	if started.Front.Stage != StageDoing {
		t.Errorf("stage after start = %s, want doing", started.Front.Stage)
	}
	if _, err := os.Stat(iso.Path); err != nil {
		t.Fatalf("worktree missing: %v", err)
	}

	// One code change on the feature worktree.
	os.MkdirAll(filepath.Join(iso.Path, "src"), 0o755)
	os.WriteFile(filepath.Join(iso.Path, "src", "limiter.go"), []byte("package src\n"), 0o644)
	git(t, iso.Path, "add", "src/limiter.go")
	git(t, iso.Path, "commit", "-m", "add limiter")

	submitted, err := trans.Submit(ctx, id, NewLinter(trans.Store))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if submitted.Front.Stage != StageReview {
		t.Errorf("stage after submit = %s, want review", submitted.Front.Stage)
	}
	if len(submitted.Front.Files) != 1 || submitted.Front.Files[0] != "src/limiter.go" {
		t.Errorf("files = %v, want [src/limiter.go]", submitted.Front.Files)
	}

	res, err := trans.Close(ctx, id, "implemented", false)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Trunk carries the change.
	if _, err := os.Stat(filepath.Join(root, "src", "limiter.go")); err != nil {
		t.Errorf("change not merged onto trunk: %v", err)
	}
	// Issue moved to closed/ with status, stage, solution updated.
	closed := res.Issue
	if closed.Front.Status != StatusClosed || closed.Front.Stage != StageDone {
		t.Errorf("closed front = %+v", closed.Front)
	}
	if closed.Front.Solution == nil || *closed.Front.Solution != "implemented" {
		t.Errorf("solution = %v", closed.Front.Solution)
	}
	if !strings.Contains(closed.Path, string(os.PathSeparator)+"closed"+string(os.PathSeparator)) {
		t.Errorf("closed path = %q, want under closed/", closed.Path)
	}
	// Worktree pruned.
	if _, err := os.Stat(iso.Path); !os.IsNotExist(err) {
		t.Errorf("worktree not pruned: %v", err)
	}

	// Closing again is an error, not a corruption.
	if _, err := trans.Close(ctx, id, "implemented", false); !monocoerr.IsPrecondition(err) {
		t.Errorf("second close = %v, want PreconditionFailure", err)
	}
}

func TestClose_ScopedMergeConflictAborts(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := initRepo(t)
	// Two files committed on main so the branch can edit both.
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("base a\n"), 0o644)
	os.WriteFile(filepath.Join(root, "b.txt"), []byte("base b\n"), 0o644)
	git(t, root, "add", "a.txt", "b.txt")
	git(t, root, "commit", "-m", "add a and b")

	trans := newTrans(t, root)
	ctx := context.Background()

	iss, _, err := trans.Create(ctx, TypeFeat, "Edit both", "")
	if err != nil {
		t.Fatal(err)
	}
	id := iss.Front.ID
	started, err := trans.Start(ctx, id, "")
	if err != nil {
		t.Fatal(err)
	}
	iso := started.Front.Isolation

	// Branch edits a.txt and b.txt.
	os.WriteFile(filepath.Join(iso.Path, "a.txt"), []byte("branch a\n"), 0o644)
	os.WriteFile(filepath.Join(iso.Path, "b.txt"), []byte("branch b\n"), 0o644)
	git(t, iso.Path, "add", "a.txt", "b.txt")
	git(t, iso.Path, "commit", "-m", "edit both")

	if _, err := trans.Submit(ctx, id, NewLinter(trans.Store)); err != nil {
		t.Fatal(err)
	}

	// Meanwhile trunk independently edits a.txt.
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("trunk a\n"), 0o644)
	git(t, root, "add", "a.txt")
	git(t, root, "commit", "-m", "trunk edit a")

	res, err := trans.Close(ctx, id, "implemented", false)
	if !monocoerr.IsMergeConflict(err) {
		t.Fatalf("Close = %v, want MergeConflict", err)
	}
	if res == nil || len(res.Conflicts) != 1 || res.Conflicts[0] != "a.txt" {
		t.Fatalf("conflicts = %+v, want [a.txt]", res)
	}

	// Trunk untouched: a.txt keeps the trunk edit, b.txt not merged.
	a, _ := os.ReadFile(filepath.Join(root, "a.txt"))
	if string(a) != "trunk a\n" {
		t.Errorf("a.txt = %q, trunk must be untouched", a)
	}
	b, _ := os.ReadFile(filepath.Join(root, "b.txt"))
	if string(b) != "base b\n" {
		t.Errorf("b.txt = %q, partial merge is forbidden", b)
	}

	// Issue stays open in review; no isolation teardown.
	still, err := trans.Store.Find(id)
	if err != nil {
		t.Fatal(err)
	}
	if still.Front.Status != StatusOpen || still.Front.Stage != StageReview {
		t.Errorf("issue after conflict = %+v", still.Front)
	}
	if _, err := os.Stat(iso.Path); err != nil {
		t.Errorf("worktree torn down after aborted close: %v", err)
	}
}

func TestClose_OtherIssuesClaimsExcluded(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := initRepo(t)
	os.WriteFile(filepath.Join(root, "shared.txt"), []byte("base\n"), 0o644)
	git(t, root, "add", "shared.txt")
	git(t, root, "commit", "-m", "add shared")

	trans := newTrans(t, root)
	ctx := context.Background()

	// A second open issue claims shared.txt.
	other, _, err := trans.Create(ctx, TypeFix, "Also touching shared", "")
	if err != nil {
		t.Fatal(err)
	}
	other.Front.Files = []string{"shared.txt"}
	other.Front.Stage = StageDoing
	if err := Save(other); err != nil {
		t.Fatal(err)
	}

	iss, _, err := trans.Create(ctx, TypeFeat, "Mine", "")
	if err != nil {
		t.Fatal(err)
	}
	started, err := trans.Start(ctx, iss.Front.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	iso := started.Front.Isolation
	os.WriteFile(filepath.Join(iso.Path, "shared.txt"), []byte("mine\n"), 0o644)
	os.WriteFile(filepath.Join(iso.Path, "own.txt"), []byte("own\n"), 0o644)
	git(t, iso.Path, "add", "shared.txt", "own.txt")
	git(t, iso.Path, "commit", "-m", "edit shared and own")
	if _, err := trans.Submit(ctx, iss.Front.ID, NewLinter(trans.Store)); err != nil {
		t.Fatal(err)
	}

	if _, err := trans.Close(ctx, iss.Front.ID, "implemented", false); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// shared.txt stays as trunk had it: the other issue's claim
	// excluded it from this close's scope.
	data, _ := os.ReadFile(filepath.Join(root, "shared.txt"))
	if string(data) != "base\n" {
		t.Errorf("shared.txt = %q, claimed file must not merge", data)
	}
	own, _ := os.ReadFile(filepath.Join(root, "own.txt"))
	if string(own) != "own\n" {
		t.Errorf("own.txt = %q, unclaimed file must merge", own)
	}
}

func TestStart_ModesAndErrors(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := initRepo(t)
	trans := newTrans(t, root)
	ctx := context.Background()

	iss, _, err := trans.Create(ctx, TypeChore, "Branch mode", "")
	if err != nil {
		t.Fatal(err)
	}
	started, err := trans.Start(ctx, iss.Front.ID, "branch")
	if err != nil {
		t.Fatalf("Start branch: %v", err)
	}
	if started.Front.Isolation.Type != "branch" || started.Front.Isolation.Path != "" {
		t.Errorf("isolation = %+v", started.Front.Isolation)
	}

	// Starting again: isolation already exists.
	if _, err := trans.Start(ctx, iss.Front.ID, "branch"); !monocoerr.IsPrecondition(err) {
		t.Errorf("second start = %v, want PreconditionFailure", err)
	}

	// Unknown mode.
	other, _, err := trans.Create(ctx, TypeChore, "Bad mode", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := trans.Start(ctx, other.Front.ID, "container"); !monocoerr.IsValidation(err) {
		t.Errorf("bad mode = %v, want ValidationFailure", err)
	}
}
