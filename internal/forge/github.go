package forge

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/nugget/monocod/internal/config"
	"github.com/nugget/monocod/internal/httpkit"
)

// githubProvider implements Provider against the GitHub REST API using
// the shared httpkit transport, so forge calls inherit the same dial
// timeouts and connection pooling as every other outbound request.
type githubProvider struct {
	client *gogithub.Client
}

// NewGitHub constructs the GitHub provider from the daemon's forge
// configuration. A base_url selects a GitHub Enterprise instance.
func NewGitHub(cfg config.ForgeConfig) (Provider, error) {
	base := &http.Client{Transport: httpkit.NewTransport()}
	client := gogithub.NewClient(base)
	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("forge: enterprise base url: %w", err)
		}
	}
	client = client.WithAuthToken(cfg.Token)
	return &githubProvider{client: client}, nil
}

func (p *githubProvider) Name() string { return "github" }

// splitRepo splits "owner/repo". A repo without an owner is an error —
// forge config carries the full name.
func splitRepo(repo string) (string, string, error) {
	idx := strings.Index(repo, "/")
	if idx <= 0 || idx == len(repo)-1 {
		return "", "", fmt.Errorf("forge: repo %q is not owner/repo", repo)
	}
	return repo[:idx], repo[idx+1:], nil
}

func (p *githubProvider) ListOpenPRs(ctx context.Context, repo string) ([]*PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	opts := &gogithub.PullRequestListOptions{
		State:       "open",
		Sort:        "created",
		Direction:   "asc",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	var out []*PullRequest
	for {
		prs, resp, err := p.client.PullRequests.List(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("forge: list PRs for %s: %w", repo, err)
		}
		for _, pr := range prs {
			out = append(out, convertPR(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func convertPR(pr *gogithub.PullRequest) *PullRequest {
	out := &PullRequest{
		Number: pr.GetNumber(),
		Title:  pr.GetTitle(),
		Body:   pr.GetBody(),
		URL:    pr.GetHTMLURL(),
		Draft:  pr.GetDraft(),
	}
	if u := pr.GetUser(); u != nil {
		out.Author = u.GetLogin()
	}
	if h := pr.GetHead(); h != nil {
		out.Branch = h.GetRef()
	}
	if b := pr.GetBase(); b != nil {
		out.Base = b.GetRef()
	}
	out.CreatedAt = pr.GetCreatedAt().Time
	return out
}

func (p *githubProvider) GetPRDiff(ctx context.Context, repo string, number int) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}
	diff, _, err := p.client.PullRequests.GetRaw(ctx, owner, name, number,
		gogithub.RawOptions{Type: gogithub.Diff})
	if err != nil {
		return "", fmt.Errorf("forge: diff for %s#%d: %w", repo, number, err)
	}
	return diff, nil
}

func (p *githubProvider) AddComment(ctx context.Context, repo string, number int, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	_, _, err = p.client.Issues.CreateComment(ctx, owner, name, number,
		&gogithub.IssueComment{Body: gogithub.Ptr(body)})
	if err != nil {
		return fmt.Errorf("forge: comment on %s#%d: %w", repo, number, err)
	}
	return nil
}

func (p *githubProvider) SubmitReview(ctx context.Context, repo string, number int, event ReviewEvent, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	_, _, err = p.client.PullRequests.CreateReview(ctx, owner, name, number,
		&gogithub.PullRequestReviewRequest{
			Body:  gogithub.Ptr(body),
			Event: gogithub.Ptr(string(event)),
		})
	if err != nil {
		return fmt.Errorf("forge: review on %s#%d: %w", repo, number, err)
	}
	return nil
}
