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

	"github.com/edvin/autoflow/internal/apperr"
	"github.com/edvin/autoflow/internal/credential"
)

const SlackBaseURL = "https://slack.com"

type SlackClient struct {
	api *apiClient
}

func NewSlackClient(baseURL string) *SlackClient {
	return &SlackClient{api: newAPIClient("slack", baseURL, 1, 5)}
}

type SlackMessage struct {
	Type string `json:"type"`
	User string `json:"user"`
	Text string `json:"text"`
	TS   string `json:"ts"`
}

func (m SlackMessage) Item(channel string) map[string]any {
	return map[string]any{
		"ts":      m.TS,
		"user":    m.User,
		"text":    m.Text,
		"channel": channel,
	}
}

// Slack reports most failures as HTTP 200 with ok=false.
type slackEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (e slackEnvelope) err(method string) error {
	if e.OK {
		return nil
	}
	switch e.Error {
	case "invalid_auth", "not_authed", "token_expired", "token_revoked", "account_inactive":
		return apperr.New(apperr.KindCredentialExpired, "slack %s: %s", method, e.Error)
	case "ratelimited", "internal_error", "fatal_error", "service_unavailable", "request_timeout":
		return apperr.New(apperr.KindTransientIntegration, "slack %s: %s", method, e.Error)
	default:
		return apperr.New(apperr.KindConfiguration, "slack %s: %s", method, e.Error)
	}
}

const (
	slackPageSize = 200
	slackMaxPages = 25
)

// History returns one page of channel messages newer than oldest, newest
// first, and the cursor of the next page.
func (c *SlackClient) History(ctx context.Context, token, channel, oldest, cursor string, limit int) ([]SlackMessage, string, error) {
	q := url.Values{}
	q.Set("channel", channel)
	q.Set("limit", strconv.Itoa(limit))
	if oldest != "" {
		q.Set("oldest", oldest)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var out struct {
		slackEnvelope
		Messages         []SlackMessage `json:"messages"`
		HasMore          bool           `json:"has_more"`
		ResponseMetadata struct {
			NextCursor string `json:"next_cursor"`
		} `json:"response_metadata"`
	}
	if err := c.api.do(ctx, http.MethodGet, "/api/conversations.history?"+q.Encode(), token, nil, &out); err != nil {
		return nil, "", err
	}
	if err := out.err("conversations.history"); err != nil {
		return nil, "", err
	}
	if !out.HasMore {
		return out.Messages, "", nil
	}
	return out.Messages, out.ResponseMetadata.NextCursor, nil
}

// PostMessage posts text to a channel and returns the message timestamp.
func (c *SlackClient) PostMessage(ctx context.Context, token, channel, text string) (string, error) {
	var out struct {
		slackEnvelope
		TS string `json:"ts"`
	}
	payload := map[string]string{"channel": channel, "text": text}
	if err := c.api.do(ctx, http.MethodPost, "/api/chat.postMessage", token, payload, &out); err != nil {
		return "", err
	}
	if err := out.err("chat.postMessage"); err != nil {
		return "", err
	}
	return out.TS, nil
}

// CompareTS orders two Slack message timestamps ("seconds.micros").
func CompareTS(a, b string) int {
	as, af := splitTS(a)
	bs, bf := splitTS(b)
	switch {
	case as != bs:
		if as < bs {
			return -1
		}
		return 1
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	return 0
}

func splitTS(ts string) (int64, int64) {
	sec, frac, _ := strings.Cut(ts, ".")
	s, _ := strconv.ParseInt(sec, 10, 64)
	frac = (frac + "000000")[:6]
	f, _ := strconv.ParseInt(frac, 10, 64)
	return s, f
}

// SlackPoller detects channel messages posted after the watermark, a Slack
// message timestamp. Bot and system messages are ignored.
type SlackPoller struct {
	tokens   TokenSource
	client   *SlackClient
	pageSize int
	maxPages int
}

func (p *SlackPoller) InitialWatermark(now time.Time) string {
	return fmt.Sprintf("%d.%06d", now.Unix(), now.Nanosecond()/1000)
}

func (p *SlackPoller) Poll(ctx context.Context, userID string, config map[string]any, watermark *string) (*PollResult, error) {
	if err := requireConfig(config, "channel"); err != nil {
		return nil, err
	}
	token, err := p.tokens.GetAccessToken(ctx, userID, credential.Slack)
	if err != nil {
		return nil, err
	}

	oldest := ""
	if watermark != nil {
		oldest = *watermark
	}
	channel := stringConfig(config, "channel")
	messages, err := p.history(ctx, token, channel, oldest)
	if err != nil {
		return nil, err
	}

	var fresh []SlackMessage
	for _, m := range messages {
		if m.User == "" || (oldest != "" && CompareTS(m.TS, oldest) <= 0) {
			continue
		}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return &PollResult{}, nil
	}

	sort.Slice(fresh, func(i, j int) bool { return CompareTS(fresh[i].TS, fresh[j].TS) < 0 })
	items := make([]map[string]any, 0, len(fresh))
	for _, m := range fresh {
		items = append(items, m.Item(channel))
	}
	wm := fresh[len(fresh)-1].TS
	return &PollResult{HasNewData: true, NewData: items, NewWatermark: &wm}, nil
}

// history pages back to oldest. Without a watermark only the first page is
// read.
func (p *SlackPoller) history(ctx context.Context, token, channel, oldest string) ([]SlackMessage, error) {
	pageSize := orDefault(p.pageSize, slackPageSize)
	maxPages := orDefault(p.maxPages, slackMaxPages)

	var messages []SlackMessage
	cursor := ""
	for page := 0; ; page++ {
		if page == maxPages {
			return nil, backlogError("slack", maxPages)
		}
		batch, next, err := p.client.History(ctx, token, channel, oldest, cursor, pageSize)
		if err != nil {
			return nil, err
		}
		messages = append(messages, batch...)
		if next == "" || oldest == "" {
			return messages, nil
		}
		cursor = next
	}
}
