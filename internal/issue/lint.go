package issue

import (
	"context"
	"path/filepath"
	"regexp"

	"github.com/nugget/monocod/internal/monocoerr"
)

// idRe is the required id shape, <TYPE>-<NNNN>.
var idRe = regexp.MustCompile(`^(EPIC|FEAT|FIX|CHORE)-\d{4}$`)

var validStages = map[Stage]bool{
	StageDraft: true, StageTodo: true, StageDoing: true,
	StageReview: true, StageDone: true, StageFreeze: true,
}

var validStatuses = map[Status]bool{
	StatusOpen: true, StatusClosed: true, StatusBacklog: true, StatusArchived: true,
}

var validSolutions = map[string]bool{
	"implemented": true, "cancelled": true, "wontfix": true, "duplicate": true,
}

// StructuralLinter is the lint pass the pre-submit chain and the HTTP
// content gate invoke: it enforces the invariants every issue file
// must hold regardless of project-specific style rules, which plug in
// as hooks. Store resolves dependency references; a nil Store skips
// the dependency check.
type StructuralLinter struct {
	Store *Store
}

// NewLinter returns a linter resolving dependencies against store.
func NewLinter(store *Store) *StructuralLinter {
	return &StructuralLinter{Store: store}
}

// Lint reports the first invariant violation found, or nil. Violations
// carry the offending field for API responses.
func (l *StructuralLinter) Lint(ctx context.Context, iss *Issue) error {
	front := iss.Front
	if !idRe.MatchString(front.ID) {
		return monocoerr.Newf(monocoerr.ValidationFailure,
			"id %q is not of the form TYPE-NNNN", front.ID).WithField("field", "id")
	}
	if front.Title == "" {
		return monocoerr.New(monocoerr.ValidationFailure, "title is required").
			WithField("field", "title")
	}
	if !validStatuses[front.Status] {
		return monocoerr.Newf(monocoerr.ValidationFailure,
			"unknown status %q", front.Status).WithField("field", "status")
	}
	if !validStages[front.Stage] {
		return monocoerr.Newf(monocoerr.ValidationFailure,
			"unknown stage %q", front.Stage).WithField("field", "stage")
	}

	// The parent directory name is the status; a file whose preamble
	// disagrees with its location is corrupt.
	if iss.Path != "" {
		dir := filepath.Base(filepath.Dir(iss.Path))
		if dir != string(front.Status) {
			return monocoerr.Newf(monocoerr.ValidationFailure,
				"status %q does not match directory %q", front.Status, dir).
				WithField("field", "status")
		}
	}

	if front.Status == StatusClosed {
		if front.Solution == nil || !validSolutions[*front.Solution] {
			return monocoerr.New(monocoerr.ValidationFailure,
				"closed issue requires solution implemented|cancelled|wontfix|duplicate").
				WithField("field", "solution")
		}
	} else if front.Solution != nil {
		return monocoerr.Newf(monocoerr.ValidationFailure,
			"solution %q set on non-closed issue", *front.Solution).
			WithField("field", "solution")
	}

	if len(front.Dependencies) > 0 && l.Store != nil {
		known := make(map[string]bool)
		all, err := l.Store.List(true)
		if err != nil {
			return monocoerr.Wrap(monocoerr.TransientIO, err)
		}
		for _, other := range all {
			known[other.Front.ID] = true
		}
		for _, dep := range front.Dependencies {
			if !known[dep] {
				return monocoerr.Newf(monocoerr.ValidationFailure,
					"dependency %q does not resolve to an existing issue", dep).
					WithField("field", "dependencies")
			}
		}
	}
	return nil
}
