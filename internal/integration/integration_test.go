package integration

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/autoflow/internal/apperr"
)

type staticTokens struct {
	token string
	err   error
	asked []string
}

func (s *staticTokens) GetAccessToken(_ context.Context, userID, integration string) (string, error) {
	s.asked = append(s.asked, userID+":"+integration)
	return s.token, s.err
}

func strPtr(s string) *string { return &s }

// ---------- status classification ----------

func TestAPIClient_StatusClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		headers map[string]string
		want    apperr.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, nil, apperr.KindCredentialExpired},
		{"rate limited", http.StatusTooManyRequests, nil, apperr.KindTransientIntegration},
		{"server error", http.StatusBadGateway, nil, apperr.KindTransientIntegration},
		{"github secondary rate limit", http.StatusForbidden, map[string]string{"X-RateLimit-Remaining": "0"}, apperr.KindTransientIntegration},
		{"forbidden", http.StatusForbidden, nil, apperr.KindConfiguration},
		{"not found", http.StatusNotFound, nil, apperr.KindConfiguration},
		{"unprocessable", http.StatusUnprocessableEntity, nil, apperr.KindConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte("provider says no"))
			}))
			defer srv.Close()

			c := newAPIClient("test", srv.URL, 100, 100)
			err := c.do(context.Background(), http.MethodGet, "/x", "tok", nil, nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, apperr.KindOf(err))
			assert.Contains(t, err.Error(), "provider says no")
		})
	}
}

func TestAPIClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newAPIClient("test", url, 100, 100)
	err := c.do(context.Background(), http.MethodGet, "/x", "tok", nil, nil)
	assert.Equal(t, apperr.KindTransientIntegration, apperr.KindOf(err))
}

// ---------- Gmail ----------

func gmailServer(t *testing.T, messages map[string]string, gotQuery *string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gmail-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/gmail/v1/users/me/messages":
			*gotQuery = r.URL.Query().Get("q")
			var list []map[string]string
			for id := range messages {
				list = append(list, map[string]string{"id": id})
			}
			json.NewEncoder(w).Encode(map[string]any{"messages": list})
		case strings.HasPrefix(r.URL.Path, "/gmail/v1/users/me/messages/"):
			id := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
			w.Write([]byte(messages[id]))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func gmailMessageJSON(id, subject string, internalDate int64) string {
	b, _ := json.Marshal(map[string]any{
		"id":           id,
		"threadId":     "t-" + id,
		"snippet":      "snippet of " + id,
		"internalDate": strconv.FormatInt(internalDate, 10),
		"payload": map[string]any{"headers": []map[string]string{
			{"name": "From", "value": "alice@example.com"},
			{"name": "To", "value": "bob@example.com"},
			{"name": "Subject", "value": subject},
		}},
	})
	return string(b)
}

func TestGmailPoller_NewMessagesAdvanceWatermark(t *testing.T) {
	var query string
	srv := gmailServer(t, map[string]string{
		"m1": gmailMessageJSON("m1", "old", 1_700_000_000_000),
		"m2": gmailMessageJSON("m2", "second", 1_700_000_090_000),
		"m3": gmailMessageJSON("m3", "first", 1_700_000_060_000),
	}, &query)
	defer srv.Close()

	tokens := &staticTokens{token: "gmail-token"}
	p := &GmailPoller{tokens: tokens, client: NewGmailClient(srv.URL)}

	res, err := p.Poll(context.Background(), "user-1", map[string]any{"from": "alice@example.com"}, strPtr("1700000000000"))
	require.NoError(t, err)

	assert.Equal(t, "in:inbox after:1700000000 from:alice@example.com", query)
	assert.Equal(t, []string{"user-1:google"}, tokens.asked)
	require.True(t, res.HasNewData)
	require.Len(t, res.NewData, 2)
	assert.Equal(t, "first", res.NewData[0]["subject"])
	assert.Equal(t, "second", res.NewData[1]["subject"])
	assert.Equal(t, "alice@example.com", res.NewData[0]["from"])
	assert.Equal(t, "bob@example.com", res.NewData[0]["to"])
	assert.Equal(t, "snippet of m3", res.NewData[0]["snippet"])
	require.NotNil(t, res.NewWatermark)
	assert.Equal(t, "1700000090000", *res.NewWatermark)
}

// pagedGmail serves a mailbox the way Gmail does: newest first, honouring
// the after: search operator, maxResults and pageToken.
type pagedGmail struct {
	dates     map[string]int64
	listCalls int
}

func (g *pagedGmail) server(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path != "/gmail/v1/users/me/messages" {
			id := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
			w.Write([]byte(gmailMessageJSON(id, "subject "+id, g.dates[id])))
			return
		}
		g.listCalls++

		var after int64
		for _, term := range strings.Fields(r.URL.Query().Get("q")) {
			if v, ok := strings.CutPrefix(term, "after:"); ok {
				after, _ = strconv.ParseInt(v, 10, 64)
			}
		}
		var ids []string
		for id, d := range g.dates {
			if d/1000 >= after {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return g.dates[ids[i]] > g.dates[ids[j]] })

		max, _ := strconv.Atoi(r.URL.Query().Get("maxResults"))
		start, _ := strconv.Atoi(r.URL.Query().Get("pageToken"))
		end := min(start+max, len(ids))
		list := []map[string]string{}
		for _, id := range ids[start:end] {
			list = append(list, map[string]string{"id": id})
		}
		out := map[string]any{"messages": list}
		if end < len(ids) {
			out["nextPageToken"] = strconv.Itoa(end)
		}
		json.NewEncoder(w).Encode(out)
	}))
}

func TestGmailPoller_BacklogDeliveredOldestFirstAcrossPolls(t *testing.T) {
	const since = int64(1_700_000_000_000)
	g := &pagedGmail{dates: map[string]int64{"old": since - 5_000}}
	for i := 1; i <= 30; i++ {
		g.dates["m"+strconv.Itoa(i)] = since + int64(i)*1_000
	}
	srv := g.server(t)
	defer srv.Close()

	p := &GmailPoller{tokens: &staticTokens{token: "gmail-token"}, client: NewGmailClient(srv.URL), pageSize: 10}
	watermark := strconv.FormatInt(since, 10)

	var delivered []string
	var batches []int
	for range 5 {
		res, err := p.Poll(context.Background(), "user-1", nil, &watermark)
		require.NoError(t, err)
		if !res.HasNewData {
			break
		}
		batches = append(batches, len(res.NewData))
		for _, item := range res.NewData {
			delivered = append(delivered, item["id"].(string))
		}
		watermark = *res.NewWatermark
	}

	want := make([]string, 0, 30)
	for i := 1; i <= 30; i++ {
		want = append(want, "m"+strconv.Itoa(i))
	}
	assert.Equal(t, want, delivered)
	assert.Equal(t, []int{25, 5}, batches)
	assert.Equal(t, strconv.FormatInt(since+30_000, 10), watermark)
}

func TestGmailPoller_BatchDoesNotSplitSameTimestamp(t *testing.T) {
	const since = int64(1_700_000_000_000)
	g := &pagedGmail{dates: map[string]int64{}}
	for i := 1; i <= 24; i++ {
		g.dates["m"+strconv.Itoa(i)] = since + int64(i)*1_000
	}
	g.dates["tie-a"] = since + 60_000
	g.dates["tie-b"] = since + 60_000
	g.dates["later"] = since + 90_000
	srv := g.server(t)
	defer srv.Close()

	p := &GmailPoller{tokens: &staticTokens{token: "gmail-token"}, client: NewGmailClient(srv.URL)}
	res, err := p.Poll(context.Background(), "user-1", nil, strPtr(strconv.FormatInt(since, 10)))
	require.NoError(t, err)

	require.Len(t, res.NewData, 26)
	assert.Equal(t, strconv.FormatInt(since+60_000, 10), *res.NewWatermark)
}

func TestGmailPoller_BacklogBeyondPageCapKeepsWatermark(t *testing.T) {
	const since = int64(1_700_000_000_000)
	g := &pagedGmail{dates: map[string]int64{}}
	for i := 1; i <= 30; i++ {
		g.dates["m"+strconv.Itoa(i)] = since + int64(i)*1_000
	}
	srv := g.server(t)
	defer srv.Close()

	p := &GmailPoller{tokens: &staticTokens{token: "gmail-token"}, client: NewGmailClient(srv.URL), pageSize: 10, maxPages: 2}
	res, err := p.Poll(context.Background(), "user-1", nil, strPtr(strconv.FormatInt(since, 10)))

	assert.Nil(t, res)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
	assert.Equal(t, 2, g.listCalls)
}

func TestGmailPoller_NothingNew(t *testing.T) {
	var query string
	srv := gmailServer(t, map[string]string{
		"m1": gmailMessageJSON("m1", "old", 1_700_000_000_000),
	}, &query)
	defer srv.Close()

	p := &GmailPoller{tokens: &staticTokens{token: "gmail-token"}, client: NewGmailClient(srv.URL)}
	res, err := p.Poll(context.Background(), "user-1", nil, strPtr("1700000000000"))
	require.NoError(t, err)
	assert.False(t, res.HasNewData)
	assert.Nil(t, res.NewWatermark)
}

func TestGmailPoller_TokenError(t *testing.T) {
	p := &GmailPoller{
		tokens: &staticTokens{err: apperr.New(apperr.KindNotConnected, "google is not connected")},
		client: NewGmailClient("http://unused.invalid"),
	}
	_, err := p.Poll(context.Background(), "user-1", nil, nil)
	assert.True(t, apperr.Is(err, apperr.KindNotConnected))
}

func TestGmailClient_SendEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/gmail/v1/users/me/messages/send", r.URL.Path)

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		raw, err := base64.RawURLEncoding.DecodeString(payload["raw"])
		require.NoError(t, err)
		assert.Contains(t, string(raw), "To: carol@example.com\r\n")
		assert.Contains(t, string(raw), "Subject: Weekly report\r\n")
		assert.True(t, strings.HasSuffix(string(raw), "\r\n\r\nAll green."))

		w.Write([]byte(`{"id":"sent-1"}`))
	}))
	defer srv.Close()

	id, err := NewGmailClient(srv.URL).SendEmail(context.Background(), "tok", "carol@example.com", "Weekly report", "All green.")
	require.NoError(t, err)
	assert.Equal(t, "sent-1", id)
}

func TestGmailPoller_InitialWatermark(t *testing.T) {
	now := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, "1705309200000", (&GmailPoller{}).InitialWatermark(now))
}

// ---------- GitHub ----------

func TestGitHubPoller_NewIssues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/widgets/issues", r.URL.Path)
		assert.Equal(t, "2024-01-15T09:00:00Z", r.URL.Query().Get("since"))
		assert.Equal(t, "Bearer gh-token", r.Header.Get("Authorization"))
		w.Write([]byte(`[
			{"id": 1, "number": 10, "title": "updated old issue", "created_at": "2024-01-10T00:00:00Z", "user": {"login": "a"}},
			{"id": 2, "number": 11, "title": "a pull request", "created_at": "2024-01-15T09:05:00Z", "pull_request": {}, "user": {"login": "b"}},
			{"id": 4, "number": 13, "title": "later", "created_at": "2024-01-15T09:30:00Z", "user": {"login": "d"}},
			{"id": 3, "number": 12, "title": "crash on save", "created_at": "2024-01-15T09:10:00Z", "user": {"login": "c"}, "labels": [{"name": "bug"}]}
		]`))
	}))
	defer srv.Close()

	p := &GitHubPoller{tokens: &staticTokens{token: "gh-token"}, client: NewGitHubClient(srv.URL)}
	res, err := p.Poll(context.Background(), "user-1", map[string]any{"owner": "acme", "repo": "widgets"}, strPtr("2024-01-15T09:00:00Z"))
	require.NoError(t, err)

	require.True(t, res.HasNewData)
	require.Len(t, res.NewData, 2)
	assert.Equal(t, "crash on save", res.NewData[0]["title"])
	assert.Equal(t, []any{"bug"}, res.NewData[0]["labels"])
	assert.Equal(t, "c", res.NewData[0]["author"])
	assert.Equal(t, "later", res.NewData[1]["title"])
	assert.Equal(t, "2024-01-15T09:30:00Z", *res.NewWatermark)
}

func TestGitHubPoller_OnlyOldIssues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id": 1, "number": 10, "title": "old", "created_at": "2024-01-15T09:00:00Z"}]`))
	}))
	defer srv.Close()

	p := &GitHubPoller{tokens: &staticTokens{token: "gh-token"}, client: NewGitHubClient(srv.URL)}
	res, err := p.Poll(context.Background(), "user-1", map[string]any{"owner": "acme", "repo": "widgets"}, strPtr("2024-01-15T09:00:00Z"))
	require.NoError(t, err)
	assert.False(t, res.HasNewData)
}

// pagedIssues serves issues the way GitHub does: since filters on
// updated_at, the list is ordered by created_at and split with Link.
func pagedIssues(t *testing.T, issues []map[string]any, pages *int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "created", q.Get("sort"))
		assert.Equal(t, "desc", q.Get("direction"))
		*pages++

		since, _ := time.Parse(time.RFC3339, q.Get("since"))
		var matched []map[string]any
		for _, issue := range issues {
			updated, _ := time.Parse(time.RFC3339, issue["updated_at"].(string))
			if !updated.Before(since) {
				matched = append(matched, issue)
			}
		}
		sort.Slice(matched, func(i, j int) bool {
			return matched[i]["created_at"].(string) > matched[j]["created_at"].(string)
		})

		perPage, _ := strconv.Atoi(q.Get("per_page"))
		page, _ := strconv.Atoi(q.Get("page"))
		start := min((page-1)*perPage, len(matched))
		end := min(start+perPage, len(matched))
		if end < len(matched) {
			w.Header().Set("Link", `<https://api.github.com/next>; rel="next"`)
		}
		json.NewEncoder(w).Encode(matched[start:end])
	}))
}

func issueJSON(id int, title, created, updated string) map[string]any {
	return map[string]any{"id": id, "number": id, "title": title, "created_at": created, "updated_at": updated}
}

func TestGitHubPoller_NewIssueBehindRecentlyUpdatedOldOnes(t *testing.T) {
	var issues []map[string]any
	for i := 1; i <= 60; i++ {
		created := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour).Format(time.RFC3339)
		issues = append(issues, issueJSON(i, "stale", created, "2024-01-15T09:20:00Z"))
	}
	issues = append(issues, issueJSON(100, "fresh", "2024-01-15T09:10:00Z", "2024-01-15T09:10:00Z"))

	var pages int
	srv := pagedIssues(t, issues, &pages)
	defer srv.Close()

	p := &GitHubPoller{tokens: &staticTokens{token: "gh-token"}, client: NewGitHubClient(srv.URL), pageSize: 50}
	res, err := p.Poll(context.Background(), "user-1", map[string]any{"owner": "acme", "repo": "widgets"}, strPtr("2024-01-15T09:00:00Z"))
	require.NoError(t, err)

	require.True(t, res.HasNewData)
	require.Len(t, res.NewData, 1)
	assert.Equal(t, "fresh", res.NewData[0]["title"])
	assert.Equal(t, "2024-01-15T09:10:00Z", *res.NewWatermark)
	assert.Equal(t, 1, pages)
}

func TestGitHubPoller_PagesUntilWatermark(t *testing.T) {
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	issues := []map[string]any{issueJSON(1, "before", "2024-01-14T00:00:00Z", "2024-01-15T10:00:00Z")}
	for i := 1; i <= 15; i++ {
		created := base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		issues = append(issues, issueJSON(100+i, "new "+strconv.Itoa(i), created, created))
	}

	var pages int
	srv := pagedIssues(t, issues, &pages)
	defer srv.Close()

	p := &GitHubPoller{tokens: &staticTokens{token: "gh-token"}, client: NewGitHubClient(srv.URL), pageSize: 10}
	res, err := p.Poll(context.Background(), "user-1", map[string]any{"owner": "acme", "repo": "widgets"}, strPtr(base.Format(time.RFC3339)))
	require.NoError(t, err)

	require.Len(t, res.NewData, 15)
	assert.Equal(t, "new 1", res.NewData[0]["title"])
	assert.Equal(t, "new 15", res.NewData[14]["title"])
	assert.Equal(t, base.Add(15*time.Minute).Format(time.RFC3339), *res.NewWatermark)
	assert.Equal(t, 2, pages)
}

func TestGitHubPoller_BacklogBeyondPageCap(t *testing.T) {
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	var issues []map[string]any
	for i := 1; i <= 30; i++ {
		created := base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		issues = append(issues, issueJSON(i, "new", created, created))
	}

	var pages int
	srv := pagedIssues(t, issues, &pages)
	defer srv.Close()

	p := &GitHubPoller{tokens: &staticTokens{token: "gh-token"}, client: NewGitHubClient(srv.URL), pageSize: 10, maxPages: 2}
	_, err := p.Poll(context.Background(), "user-1", map[string]any{"owner": "acme", "repo": "widgets"}, strPtr(base.Format(time.RFC3339)))
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
	assert.Equal(t, 2, pages)
}

func TestGitHubPoller_MissingConfig(t *testing.T) {
	p := &GitHubPoller{tokens: &staticTokens{token: "gh-token"}, client: NewGitHubClient("http://unused.invalid")}
	_, err := p.Poll(context.Background(), "user-1", map[string]any{"owner": "acme"}, nil)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
}

func TestGitHubClient_CreateIssue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/widgets/issues", r.URL.Path)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "Disk full", payload["title"])
		assert.Equal(t, []any{"ops"}, payload["labels"])
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 99, "number": 42, "title": "Disk full", "html_url": "https://github.com/acme/widgets/issues/42", "created_at": "2024-01-15T09:00:00Z"}`))
	}))
	defer srv.Close()

	issue, err := NewGitHubClient(srv.URL).CreateIssue(context.Background(), "tok", "acme", "widgets", "Disk full", "", []string{"ops"})
	require.NoError(t, err)
	assert.Equal(t, 42, issue.Number)
	assert.Equal(t, "https://github.com/acme/widgets/issues/42", issue.HTMLURL)
}

// ---------- Slack ----------

func TestSlackPoller_NewMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations.history", r.URL.Path)
		assert.Equal(t, "C123", r.URL.Query().Get("channel"))
		assert.Equal(t, "1700000000.000100", r.URL.Query().Get("oldest"))
		w.Write([]byte(`{"ok": true, "messages": [
			{"type": "message", "user": "U2", "text": "second", "ts": "1700000005.000001"},
			{"type": "message", "subtype": "bot_message", "text": "bot", "ts": "1700000004.000000"},
			{"type": "message", "user": "U1", "text": "first", "ts": "1700000000.000200"},
			{"type": "message", "user": "U1", "text": "boundary", "ts": "1700000000.000100"}
		]}`))
	}))
	defer srv.Close()

	p := &SlackPoller{tokens: &staticTokens{token: "xoxb"}, client: NewSlackClient(srv.URL)}
	res, err := p.Poll(context.Background(), "user-1", map[string]any{"channel": "C123"}, strPtr("1700000000.000100"))
	require.NoError(t, err)

	require.True(t, res.HasNewData)
	require.Len(t, res.NewData, 2)
	assert.Equal(t, "first", res.NewData[0]["text"])
	assert.Equal(t, "second", res.NewData[1]["text"])
	assert.Equal(t, "C123", res.NewData[0]["channel"])
	assert.Equal(t, "1700000005.000001", *res.NewWatermark)
}

// pagedSlack serves channel history newest first, honouring oldest, limit
// and cursor.
func pagedSlack(t *testing.T, tss []string, pages *int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		*pages++
		var matched []string
		for _, ts := range tss {
			if CompareTS(ts, q.Get("oldest")) > 0 {
				matched = append(matched, ts)
			}
		}
		sort.Slice(matched, func(i, j int) bool { return CompareTS(matched[i], matched[j]) > 0 })

		limit, _ := strconv.Atoi(q.Get("limit"))
		start, _ := strconv.Atoi(q.Get("cursor"))
		end := min(start+limit, len(matched))
		messages := []map[string]string{}
		for _, ts := range matched[start:end] {
			messages = append(messages, map[string]string{"type": "message", "user": "U1", "text": "msg " + ts, "ts": ts})
		}
		out := map[string]any{"ok": true, "messages": messages, "has_more": end < len(matched)}
		if end < len(matched) {
			out["response_metadata"] = map[string]string{"next_cursor": strconv.Itoa(end)}
		}
		json.NewEncoder(w).Encode(out)
	}))
}

func TestSlackPoller_PagesBackToWatermark(t *testing.T) {
	var tss []string
	for i := 1; i <= 30; i++ {
		tss = append(tss, fmt.Sprintf("17000000%02d.000000", i))
	}
	var pages int
	srv := pagedSlack(t, tss, &pages)
	defer srv.Close()

	p := &SlackPoller{tokens: &staticTokens{token: "xoxb"}, client: NewSlackClient(srv.URL), pageSize: 10}
	res, err := p.Poll(context.Background(), "user-1", map[string]any{"channel": "C123"}, strPtr("1700000000.000000"))
	require.NoError(t, err)

	require.Len(t, res.NewData, 30)
	assert.Equal(t, "1700000001.000000", res.NewData[0]["ts"])
	assert.Equal(t, "1700000030.000000", res.NewData[29]["ts"])
	assert.Equal(t, "1700000030.000000", *res.NewWatermark)
	assert.Equal(t, 3, pages)
}

func TestSlackPoller_BacklogBeyondPageCap(t *testing.T) {
	var tss []string
	for i := 1; i <= 30; i++ {
		tss = append(tss, fmt.Sprintf("17000000%02d.000000", i))
	}
	var pages int
	srv := pagedSlack(t, tss, &pages)
	defer srv.Close()

	p := &SlackPoller{tokens: &staticTokens{token: "xoxb"}, client: NewSlackClient(srv.URL), pageSize: 10, maxPages: 2}
	_, err := p.Poll(context.Background(), "user-1", map[string]any{"channel": "C123"}, strPtr("1700000000.000000"))
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
	assert.Equal(t, 2, pages)
}

func TestSlackPoller_OkFalse(t *testing.T) {
	tests := []struct {
		slackError string
		want       apperr.Kind
	}{
		{"invalid_auth", apperr.KindCredentialExpired},
		{"ratelimited", apperr.KindTransientIntegration},
		{"channel_not_found", apperr.KindConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.slackError, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"ok": false, "error": "` + tt.slackError + `"}`))
			}))
			defer srv.Close()

			p := &SlackPoller{tokens: &staticTokens{token: "xoxb"}, client: NewSlackClient(srv.URL)}
			_, err := p.Poll(context.Background(), "user-1", map[string]any{"channel": "C123"}, nil)
			assert.Equal(t, tt.want, apperr.KindOf(err))
		})
	}
}

func TestSlackClient_PostMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat.postMessage", r.URL.Path)
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "C9", payload["channel"])
		assert.Equal(t, "deploy done", payload["text"])
		w.Write([]byte(`{"ok": true, "ts": "1700000000.123456"}`))
	}))
	defer srv.Close()

	ts, err := NewSlackClient(srv.URL).PostMessage(context.Background(), "xoxb", "C9", "deploy done")
	require.NoError(t, err)
	assert.Equal(t, "1700000000.123456", ts)
}

func TestCompareTS(t *testing.T) {
	assert.Equal(t, 0, CompareTS("1700000000.000100", "1700000000.000100"))
	assert.Equal(t, -1, CompareTS("1700000000.000100", "1700000000.000200"))
	assert.Equal(t, 1, CompareTS("1700000001.000000", "1700000000.999999"))
	assert.Equal(t, 1, CompareTS("1700000000.1", "1700000000.000100"))
}

func TestSlackPoller_InitialWatermark(t *testing.T) {
	now := time.Date(2024, 1, 15, 9, 0, 0, 123456000, time.UTC)
	assert.Equal(t, "1705309200.123456", (&SlackPoller{}).InitialWatermark(now))
}

// ---------- registry ----------

func TestNewPollers(t *testing.T) {
	pollers := NewPollers(&staticTokens{}, NewClients())
	assert.Equal(t, []string{GitHubNewIssue, GmailNewEmail, SlackNewMessage}, pollers.Types())

	_, err := pollers.Get("rss-new-item-trigger")
	require.Error(t, err)
	assert.Contains(t, err.Error(), GmailNewEmail)

	p, err := pollers.Get(GmailNewEmail)
	require.NoError(t, err)
	assert.IsType(t, &GmailPoller{}, p)
}
