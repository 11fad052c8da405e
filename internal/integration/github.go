package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/edvin/autoflow/internal/credential"
)

const GitHubBaseURL = "https://api.github.com"

type GitHubClient struct {
	api *apiClient
}

func NewGitHubClient(baseURL string) *GitHubClient {
	return &GitHubClient{api: newAPIClient("github", baseURL, 10, 20)}
}

type Issue struct {
	ID          int64     `json:"id"`
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	State       string    `json:"state"`
	HTMLURL     string    `json:"html_url"`
	CreatedAt   time.Time `json:"created_at"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
	User        struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func (i Issue) Item() map[string]any {
	labels := make([]any, 0, len(i.Labels))
	for _, l := range i.Labels {
		labels = append(labels, l.Name)
	}
	return map[string]any{
		"id":        i.ID,
		"number":    i.Number,
		"title":     i.Title,
		"body":      i.Body,
		"state":     i.State,
		"url":       i.HTMLURL,
		"author":    i.User.Login,
		"labels":    labels,
		"createdAt": i.CreatedAt.UTC().Format(time.RFC3339),
	}
}

const (
	githubPageSize = 100
	githubMaxPages = 10
)

// ListIssuesSince returns one page of open issues updated at or after since,
// newest created first, and whether a further page exists. GitHub applies
// since to updated_at, so old issues with recent activity are included.
func (c *GitHubClient) ListIssuesSince(ctx context.Context, token, owner, repo string, since time.Time, page, perPage int) ([]Issue, bool, error) {
	q := url.Values{}
	q.Set("state", "open")
	q.Set("sort", "created")
	q.Set("direction", "desc")
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("page", strconv.Itoa(page))
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}

	var issues []Issue
	path := fmt.Sprintf("/repos/%s/%s/issues?%s", url.PathEscape(owner), url.PathEscape(repo), q.Encode())
	header, err := c.api.call(ctx, http.MethodGet, path, token, nil, &issues)
	if err != nil {
		return nil, false, err
	}
	return issues, strings.Contains(header.Get("Link"), `rel="next"`), nil
}

// CreateIssue opens an issue and returns it.
func (c *GitHubClient) CreateIssue(ctx context.Context, token, owner, repo, title, body string, labels []string) (*Issue, error) {
	payload := map[string]any{"title": title, "body": body}
	if len(labels) > 0 {
		payload["labels"] = labels
	}

	var issue Issue
	path := fmt.Sprintf("/repos/%s/%s/issues", url.PathEscape(owner), url.PathEscape(repo))
	if err := c.api.do(ctx, http.MethodPost, path, token, payload, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// GitHubPoller detects issues created after the watermark, an RFC 3339
// timestamp. Pull requests are ignored.
type GitHubPoller struct {
	tokens   TokenSource
	client   *GitHubClient
	pageSize int
	maxPages int
}

func (p *GitHubPoller) InitialWatermark(now time.Time) string {
	return now.UTC().Format(time.RFC3339)
}

func (p *GitHubPoller) Poll(ctx context.Context, userID string, config map[string]any, watermark *string) (*PollResult, error) {
	if err := requireConfig(config, "owner", "repo"); err != nil {
		return nil, err
	}
	token, err := p.tokens.GetAccessToken(ctx, userID, credential.GitHub)
	if err != nil {
		return nil, err
	}

	var since time.Time
	if watermark != nil && *watermark != "" {
		since, err = time.Parse(time.RFC3339, *watermark)
		if err != nil {
			return nil, fmt.Errorf("parse github watermark %q: %w", *watermark, err)
		}
	}

	fresh, err := p.created(ctx, token, stringConfig(config, "owner"), stringConfig(config, "repo"), since)
	if err != nil {
		return nil, err
	}
	if len(fresh) == 0 {
		return &PollResult{}, nil
	}

	sort.Slice(fresh, func(i, j int) bool { return fresh[i].CreatedAt.Before(fresh[j].CreatedAt) })
	items := make([]map[string]any, 0, len(fresh))
	for _, issue := range fresh {
		items = append(items, issue.Item())
	}
	wm := fresh[len(fresh)-1].CreatedAt.UTC().Format(time.RFC3339)
	return &PollResult{HasNewData: true, NewData: items, NewWatermark: &wm}, nil
}

// created pages through issues newest first until it reaches one created at
// or before since. Without a watermark only the first page is read.
func (p *GitHubPoller) created(ctx context.Context, token, owner, repo string, since time.Time) ([]Issue, error) {
	pageSize := orDefault(p.pageSize, githubPageSize)
	maxPages := orDefault(p.maxPages, githubMaxPages)

	var fresh []Issue
	for page := 1; ; page++ {
		if page > maxPages {
			return nil, backlogError("github", maxPages)
		}
		issues, more, err := p.client.ListIssuesSince(ctx, token, owner, repo, since, page, pageSize)
		if err != nil {
			return nil, err
		}
		reached := false
		for _, issue := range issues {
			if !issue.CreatedAt.After(since) {
				reached = true
				continue
			}
			if issue.PullRequest == nil {
				fresh = append(fresh, issue)
			}
		}
		if reached || !more || since.IsZero() {
			return fresh, nil
		}
	}
}
