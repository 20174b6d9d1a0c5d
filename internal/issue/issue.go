// Package issue implements the issue transition core: create, start,
// sync-files, submit, and close, plus the scoped atomic merge at close.
// Issues are Markdown files with a YAML preamble living under
// Issues/<PluralType>/<status>/; the directory location is the status,
// and the file on disk is the source of truth the in-memory Issue
// projects.
package issue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/monocod/internal/record"
)

// Type is the issue kind, one of EPIC|FEAT|FIX|CHORE.
type Type string

const (
	TypeEpic  Type = "epic"
	TypeFeat  Type = "feature"
	TypeFix   Type = "fix"
	TypeChore Type = "chore"
)

// prefixFor returns the id prefix (EPIC-, FEAT-, ...) for a Type.
func prefixFor(t Type) string {
	switch t {
	case TypeEpic:
		return "EPIC"
	case TypeFix:
		return "FIX"
	case TypeChore:
		return "CHORE"
	default:
		return "FEAT"
	}
}

// dirFor returns the plural directory segment (Issues/<PluralType>/...)
// for a Type.
func dirFor(t Type) string {
	switch t {
	case TypeEpic:
		return "Epics"
	case TypeFix:
		return "Fixes"
	case TypeChore:
		return "Chores"
	default:
		return "Features"
	}
}

// Status is the directory-backed lifecycle status.
type Status string

const (
	StatusOpen     Status = "open"
	StatusClosed   Status = "closed"
	StatusBacklog  Status = "backlog"
	StatusArchived Status = "archived"
)

// Stage is the finer-grained workflow stage within a status.
type Stage string

const (
	StageDraft  Stage = "draft"
	StageTodo   Stage = "todo"
	StageDoing  Stage = "doing"
	StageReview Stage = "review"
	StageDone   Stage = "done"
	StageFreeze Stage = "freezed"
)

// Isolation names the git branch or worktree an issue's work happens in.
type Isolation struct {
	Type      string     `yaml:"type"` // branch | worktree
	Ref       string     `yaml:"ref"`
	Path      string     `yaml:"path,omitempty"`
	CreatedAt *time.Time `yaml:"created_at,omitempty"`
}

// Front is the typed YAML preamble of an issue file.
type Front struct {
	ID           string     `yaml:"id"`
	TypeField    Type       `yaml:"type"`
	Status       Status     `yaml:"status"`
	Stage        Stage      `yaml:"stage"`
	Title        string     `yaml:"title"`
	CreatedAt    time.Time  `yaml:"created_at"`
	UpdatedAt    time.Time  `yaml:"updated_at"`
	Parent       string     `yaml:"parent,omitempty"`
	Dependencies []string   `yaml:"dependencies"`
	Related      []string   `yaml:"related"`
	Domains      []string   `yaml:"domains"`
	Tags         []string   `yaml:"tags"`
	Files        []string   `yaml:"files"`
	Isolation    *Isolation `yaml:"isolation,omitempty"`
	Criticality  string     `yaml:"criticality,omitempty"`
	Solution     *string    `yaml:"solution"`
}

// Issue is an in-memory projection of one issue file: typed front
// matter plus body, plus any YAML keys the typed struct doesn't know
// about (Extras), which round-trip untouched.
type Issue struct {
	Front  Front
	Body   string
	Extras map[string]yaml.Node
	// Path is the absolute path to the file on disk, set by Load/List
	// and used by Save to know where to write.
	Path string
}

// Filename returns the conventional file basename for the issue,
// `<id>-<slug>.md`.
func (iss *Issue) Filename() string {
	return fmt.Sprintf("%s-%s.md", iss.Front.ID, slugify(iss.Front.Title))
}

func slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// Store roots issue operations at a project directory containing an
// `Issues/` tree.
type Store struct {
	Root string
}

// New returns a Store rooted at projectRoot.
func New(projectRoot string) *Store {
	return &Store{Root: projectRoot}
}

// dirForStatus returns the on-disk directory for a (type, status) pair,
// e.g. Issues/Features/open.
func (s *Store) dirForStatus(t Type, status Status) string {
	return filepath.Join(s.Root, "Issues", dirFor(t), string(status))
}

// Load reads and parses an issue file from path.
func Load(path string) (*Issue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pre, err := record.Split(data)
	if err != nil {
		return nil, fmt.Errorf("issue: %s: %w", path, err)
	}
	var front Front
	extras, err := record.DecodeExtras(pre.Front, &front)
	if err != nil {
		return nil, fmt.Errorf("issue: %s: %w", path, err)
	}
	return &Issue{Front: front, Body: pre.Body, Extras: extras, Path: path}, nil
}

// Save writes the issue back to iss.Path using the write-temp-then-
// rename pattern used throughout the daemon for crash-safe writes.
func Save(iss *Issue) error {
	front, err := record.EncodeExtras(&iss.Front, iss.Extras)
	if err != nil {
		return fmt.Errorf("issue: encode %s: %w", iss.Path, err)
	}
	data := record.Join(front, iss.Body)
	return atomicWrite(iss.Path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// List returns every issue under the project's Issues/ tree.
// includeArchived controls whether the archived/ status directory is
// scanned; archived issues are excluded from default list views.
func (s *Store) List(includeArchived bool) ([]*Issue, error) {
	statuses := []Status{StatusOpen, StatusClosed, StatusBacklog}
	if includeArchived {
		statuses = append(statuses, StatusArchived)
	}
	var out []*Issue
	root := filepath.Join(s.Root, "Issues")
	typeDirs, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	for _, td := range typeDirs {
		if !td.IsDir() {
			continue
		}
		for _, status := range statuses {
			dir := filepath.Join(root, td.Name(), string(status))
			entries, err := os.ReadDir(dir)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			for _, ent := range entries {
				if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".md") {
					continue
				}
				iss, err := Load(filepath.Join(dir, ent.Name()))
				if err != nil {
					return nil, err
				}
				out = append(out, iss)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Front.ID < out[j].Front.ID })
	return out, nil
}

// Find loads the single issue with the given id, searching every status
// directory.
func (s *Store) Find(id string) (*Issue, error) {
	issues, err := s.List(true)
	if err != nil {
		return nil, err
	}
	for _, iss := range issues {
		if iss.Front.ID == id {
			return iss, nil
		}
	}
	return nil, fmt.Errorf("issue: %s not found", id)
}

// NextID allocates the next sequential id for a Type by scanning
// existing issues of that type and incrementing the highest NNNN seen.
func (s *Store) NextID(t Type) (string, error) {
	issues, err := s.List(true)
	if err != nil {
		return "", err
	}
	prefix := prefixFor(t) + "-"
	max := 0
	for _, iss := range issues {
		if !strings.HasPrefix(iss.Front.ID, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(iss.Front.ID, prefix))
		if err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s%04d", prefix, max+1), nil
}
