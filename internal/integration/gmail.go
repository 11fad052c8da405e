package integration

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/edvin/autoflow/internal/credential"
)

const GmailBaseURL = "https://gmail.googleapis.com"

const (
	gmailPageSize = 500
	gmailMaxPages = 10
	// gmailBatchSize bounds how many messages one poll fetches and delivers.
	gmailBatchSize = 25
)

type GmailClient struct {
	api *apiClient
}

func NewGmailClient(baseURL string) *GmailClient {
	return &GmailClient{api: newAPIClient("gmail", baseURL, 5, 10)}
}

// Email is a Gmail message normalized for templating.
type Email struct {
	ID           string
	ThreadID     string
	From         string
	To           string
	Subject      string
	Snippet      string
	InternalDate int64
}

func (e Email) Item() map[string]any {
	return map[string]any{
		"id":       e.ID,
		"threadId": e.ThreadID,
		"from":     e.From,
		"to":       e.To,
		"subject":  e.Subject,
		"snippet":  e.Snippet,
		"date":     time.UnixMilli(e.InternalDate).UTC().Format(time.RFC3339),
	}
}

type gmailList struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	NextPageToken string `json:"nextPageToken"`
}

type gmailMessage struct {
	ID           string `json:"id"`
	ThreadID     string `json:"threadId"`
	Snippet      string `json:"snippet"`
	InternalDate string `json:"internalDate"`
	Payload      struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

// ListMessageIDs returns one page of ids of messages matching a Gmail search
// query, newest first, and the token of the next page.
func (c *GmailClient) ListMessageIDs(ctx context.Context, token, query, pageToken string, max int) ([]string, string, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("maxResults", strconv.Itoa(max))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}

	var out gmailList
	if err := c.api.do(ctx, http.MethodGet, "/gmail/v1/users/me/messages?"+q.Encode(), token, nil, &out); err != nil {
		return nil, "", err
	}
	ids := make([]string, 0, len(out.Messages))
	for _, m := range out.Messages {
		ids = append(ids, m.ID)
	}
	return ids, out.NextPageToken, nil
}

// GetMessage fetches message metadata.
func (c *GmailClient) GetMessage(ctx context.Context, token, id string) (*Email, error) {
	q := url.Values{}
	q.Set("format", "metadata")
	for _, h := range []string{"From", "To", "Subject"} {
		q.Add("metadataHeaders", h)
	}

	var m gmailMessage
	if err := c.api.do(ctx, http.MethodGet, "/gmail/v1/users/me/messages/"+url.PathEscape(id)+"?"+q.Encode(), token, nil, &m); err != nil {
		return nil, err
	}

	email := &Email{ID: m.ID, ThreadID: m.ThreadID, Snippet: m.Snippet}
	email.InternalDate, _ = strconv.ParseInt(m.InternalDate, 10, 64)
	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			email.From = h.Value
		case "to":
			email.To = h.Value
		case "subject":
			email.Subject = h.Value
		}
	}
	return email, nil
}

// SendEmail sends a plain-text message from the authenticated mailbox.
func (c *GmailClient) SendEmail(ctx context.Context, token, to, subject, body string) (string, error) {
	var msg strings.Builder
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	msg.WriteString(body)

	payload := map[string]string{"raw": base64.RawURLEncoding.EncodeToString([]byte(msg.String()))}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.api.do(ctx, http.MethodPost, "/gmail/v1/users/me/messages/send", token, payload, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// GmailPoller detects inbox messages received after the watermark, a Unix
// millisecond timestamp.
type GmailPoller struct {
	tokens   TokenSource
	client   *GmailClient
	pageSize int
	maxPages int
}

func (p *GmailPoller) InitialWatermark(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}

func (p *GmailPoller) Poll(ctx context.Context, userID string, config map[string]any, watermark *string) (*PollResult, error) {
	token, err := p.tokens.GetAccessToken(ctx, userID, credential.Google)
	if err != nil {
		return nil, err
	}

	var since int64
	if watermark != nil && *watermark != "" {
		since, err = strconv.ParseInt(*watermark, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse gmail watermark %q: %w", *watermark, err)
		}
	}

	query := "in:inbox"
	if since > 0 {
		query += fmt.Sprintf(" after:%d", since/1000)
	}
	if from := stringConfig(config, "from"); from != "" {
		query += " from:" + from
	}
	if extra := stringConfig(config, "query"); extra != "" {
		query += " " + extra
	}

	ids, err := p.listWindow(ctx, token, query, since > 0)
	if err != nil {
		return nil, err
	}

	// ids run newest first, so the oldest batch sits at the tail. after: has
	// second granularity, so messages at or before the watermark are filtered
	// here. A batch never ends between two messages with the same timestamp,
	// since the watermark would skip the second one.
	var emails []*Email
	for i := len(ids) - 1; i >= 0; i-- {
		email, err := p.client.GetMessage(ctx, token, ids[i])
		if err != nil {
			return nil, err
		}
		if email.InternalDate <= since {
			continue
		}
		if len(emails) >= gmailBatchSize && email.InternalDate != emails[len(emails)-1].InternalDate {
			break
		}
		emails = append(emails, email)
	}
	if len(emails) == 0 {
		return &PollResult{}, nil
	}

	sort.SliceStable(emails, func(i, j int) bool { return emails[i].InternalDate < emails[j].InternalDate })
	items := make([]map[string]any, 0, len(emails))
	for _, e := range emails {
		items = append(items, e.Item())
	}
	wm := strconv.FormatInt(emails[len(emails)-1].InternalDate, 10)
	return &PollResult{HasNewData: true, NewData: items, NewWatermark: &wm}, nil
}

// listWindow pages through the query results. Without a watermark there is
// no window to close, so only the first page is read.
func (p *GmailPoller) listWindow(ctx context.Context, token, query string, bounded bool) ([]string, error) {
	pageSize := orDefault(p.pageSize, gmailPageSize)
	maxPages := orDefault(p.maxPages, gmailMaxPages)

	var ids []string
	pageToken := ""
	for page := 0; ; page++ {
		if page == maxPages {
			return nil, backlogError("gmail", maxPages)
		}
		batch, next, err := p.client.ListMessageIDs(ctx, token, query, pageToken, pageSize)
		if err != nil {
			return nil, err
		}
		ids = append(ids, batch...)
		if next == "" || !bounded {
			return ids, nil
		}
		pageToken = next
	}
}
