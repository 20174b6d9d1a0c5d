// Package forge connects the daemon to a code forge for pull request
// awareness: polling open PRs to synthesize pr.created events for the
// Reviewer role, and posting that role's review output back. Each forge
// backend implements the [Provider] interface; GitHub is the one that
// ships. Repository parameters use the "owner/repo" format.
package forge

import (
	"context"
	"time"
)

// PullRequest is the forge-neutral view of a pull request.
type PullRequest struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Author    string    `json:"author,omitempty"`
	URL       string    `json:"url"`
	Branch    string    `json:"branch,omitempty"`
	Base      string    `json:"base,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Draft     bool      `json:"draft,omitempty"`
}

// ReviewEvent is the verdict a submitted review carries.
type ReviewEvent string

const (
	ReviewApprove        ReviewEvent = "APPROVE"
	ReviewRequestChanges ReviewEvent = "REQUEST_CHANGES"
	ReviewComment        ReviewEvent = "COMMENT"
)

// Provider is the interface forge backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "github").
	Name() string

	// ListOpenPRs returns the open pull requests for a repository,
	// oldest first.
	ListOpenPRs(ctx context.Context, repo string) ([]*PullRequest, error)

	// GetPRDiff returns the unified diff for a pull request.
	GetPRDiff(ctx context.Context, repo string, number int) (string, error)

	// AddComment posts a comment on a pull request.
	AddComment(ctx context.Context, repo string, number int, body string) error

	// SubmitReview creates a review on a pull request with the given
	// verdict and body.
	SubmitReview(ctx context.Context, repo string, number int, event ReviewEvent, body string) error
}
