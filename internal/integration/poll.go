package integration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/edvin/autoflow/internal/apperr"
)

// PollResult is the outcome of one change-detection call. NewWatermark is
// only meaningful when HasNewData is true.
type PollResult struct {
	HasNewData   bool
	NewData      []map[string]any
	NewWatermark *string
}

// Poller detects new items for one trigger type since a watermark.
type Poller interface {
	Poll(ctx context.Context, userID string, config map[string]any, watermark *string) (*PollResult, error)
	// InitialWatermark is stored when a trigger is first activated so that
	// only items arriving afterwards fire the workflow.
	InitialWatermark(now time.Time) string
}

// Pollers selects a poll adapter by trigger type.
type Pollers map[string]Poller

func (p Pollers) Get(triggerType string) (Poller, error) {
	poller, ok := p[triggerType]
	if !ok {
		return nil, fmt.Errorf("no poll adapter for trigger type %q (have %s)", triggerType, strings.Join(p.Types(), ", "))
	}
	return poller, nil
}

// Types returns the registered trigger types, sorted.
func (p Pollers) Types() []string {
	out := make([]string, 0, len(p))
	for t := range p {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Provider list endpoints return newest items first, so an adapter pages
// back until it reaches the watermark and delivers from the oldest end.
// backlogError is returned when the window does not fit in maxPages; the
// watermark then stays where it is rather than skipping the oldest items.
func backlogError(provider string, maxPages int) error {
	return apperr.Configuration("%s: more than %d pages of new items since the last poll, narrow the trigger filter", provider, maxPages)
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Trigger types with poll adapters.
const (
	GmailNewEmail   = "gmail-new-email-trigger"
	GitHubNewIssue  = "github-new-issue-trigger"
	SlackNewMessage = "slack-new-message-trigger"
)

// Clients bundles the provider clients used by node kinds and pollers.
type Clients struct {
	Gmail  *GmailClient
	GitHub *GitHubClient
	Slack  *SlackClient
}

// NewClients creates provider clients against the public API endpoints.
func NewClients() *Clients {
	return &Clients{
		Gmail:  NewGmailClient(GmailBaseURL),
		GitHub: NewGitHubClient(GitHubBaseURL),
		Slack:  NewSlackClient(SlackBaseURL),
	}
}

// NewPollers wires a poll adapter for every polling trigger type.
func NewPollers(tokens TokenSource, clients *Clients) Pollers {
	return Pollers{
		GmailNewEmail:   &GmailPoller{tokens: tokens, client: clients.Gmail},
		GitHubNewIssue:  &GitHubPoller{tokens: tokens, client: clients.GitHub},
		SlackNewMessage: &SlackPoller{tokens: tokens, client: clients.Slack},
	}
}
