package nodes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/autoflow/internal/apperr"
	"github.com/edvin/autoflow/internal/integration"
	"github.com/edvin/autoflow/internal/model"
)

type fakeTokens struct{}

func (fakeTokens) GetAccessToken(_ context.Context, _, integration string) (string, error) {
	return integration + "-token", nil
}

type fakeChatModel struct {
	reply *schema.Message
	err   error
	got   []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	f.got = input
	return f.reply, f.err
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func newInput(cfg map[string]any) *Input {
	return &Input{ExecutionID: "exec-1", UserID: "user-1", NodeID: "n1", Config: cfg, Trigger: map[string]any{}, Log: NewLogs()}
}

func prepared(t *testing.T, k *Kind, cfg map[string]any) map[string]any {
	t.Helper()
	out, err := k.Schema.Prepare(cfg)
	require.NoError(t, err)
	require.NoError(t, k.Schema.Check(out))
	return out
}

// ---------- registry ----------

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry(Deps{})
	assert.Equal(t, []string{
		AIGenerate, Delay, GitHubCreateIssue, GitHubIssueTrigger, GmailNewEmailTrigger, HTTPRequest,
		ManualTrigger, ScheduledTimeTrigger, SendEmail, SetData, SlackMessageTrigger, SlackSendMessage, WebhookTrigger,
	}, r.Names())
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r := NewRegistry(Deps{})
	_, err := r.Lookup("teleport")
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
	assert.Contains(t, err.Error(), HTTPRequest)
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry(Deps{})
	schedule := model.Node{ID: "t", Kind: ScheduledTimeTrigger, Config: map[string]any{"cronExpression": "0 9 * * *"}}
	set := model.Node{ID: "a", Kind: SetData, Config: map[string]any{"values": map[string]any{"x": 1}}}

	tests := []struct {
		name    string
		graph   model.Graph
		wantErr string
	}{
		{"valid", model.Graph{Nodes: []model.Node{schedule, set}, Edges: []model.Edge{{SourceNodeID: "t", TargetNodeID: "a"}}}, ""},
		{"unknown kind", model.Graph{Nodes: []model.Node{{ID: "x", Kind: "teleport"}}}, "unknown node kind"},
		{"two triggers", model.Graph{Nodes: []model.Node{schedule, {ID: "m", Kind: ManualTrigger}}}, "at most one"},
		{"trigger with incoming edge", model.Graph{
			Nodes: []model.Node{schedule, set},
			Edges: []model.Edge{{SourceNodeID: "a", TargetNodeID: "t"}},
		}, "incoming edges"},
		{"missing required", model.Graph{Nodes: []model.Node{{ID: "e", Kind: SendEmail, Config: map[string]any{"to": "a@b.c"}}}}, "body, subject"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.graph)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, apperr.Is(err, apperr.KindInvalidGraph))
		})
	}
}

func TestRegistry_Trigger(t *testing.T) {
	r := NewRegistry(Deps{})
	g := model.Graph{Nodes: []model.Node{
		{ID: "a", Kind: SetData},
		{ID: "t", Kind: GitHubIssueTrigger},
	}}
	n, k, ok := r.Trigger(g)
	require.True(t, ok)
	assert.Equal(t, "t", n.ID)
	assert.True(t, k.Polling)

	_, _, ok = r.Trigger(model.Graph{Nodes: []model.Node{{ID: "a", Kind: SetData}}})
	assert.False(t, ok)
}

// ---------- schema ----------

func TestSchema_PrepareKeepsUserValues(t *testing.T) {
	s := Schema{Defaults: map[string]any{"method": "GET", "timeoutSeconds": float64(30)}}
	out, err := s.Prepare(map[string]any{"method": "POST"})
	require.NoError(t, err)
	assert.Equal(t, "POST", out["method"])
	assert.Equal(t, float64(30), out["timeoutSeconds"])
}

func TestSchema_Check(t *testing.T) {
	r := NewRegistry(Deps{})
	delayKind, _ := r.Lookup(Delay)
	httpKind, _ := r.Lookup(HTTPRequest)

	assert.NoError(t, delayKind.Schema.Check(map[string]any{"seconds": float64(0)}))
	assert.Error(t, delayKind.Schema.Check(map[string]any{"seconds": float64(301)}))
	assert.Error(t, delayKind.Schema.Check(map[string]any{}))

	cfg, _ := httpKind.Schema.Prepare(map[string]any{"url": "not a url"})
	err := httpKind.Schema.Check(cfg)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
	assert.Contains(t, err.Error(), `"url"`)
}

func TestCreditsForTokens(t *testing.T) {
	assert.Equal(t, int64(1), creditsForTokens(0))
	assert.Equal(t, int64(1), creditsForTokens(999))
	assert.Equal(t, int64(1), creditsForTokens(1000))
	assert.Equal(t, int64(2), creditsForTokens(1001))
}

// ---------- triggers ----------

func TestPassTrigger_CopiesPayload(t *testing.T) {
	in := newInput(nil)
	in.Trigger = map[string]any{"count": 2}
	out, err := passTrigger(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": 2}, out.Data)

	out.Data["count"] = 3
	assert.Equal(t, 2, in.Trigger["count"])
}

// ---------- http-request ----------

func TestHTTPRequest_PostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "abc", r.Header.Get("X-Trace"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "widget", body["name"])
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 7}`))
	}))
	defer srv.Close()

	r := NewRegistry(Deps{})
	k, _ := r.Lookup(HTTPRequest)
	in := newInput(prepared(t, k, map[string]any{
		"url":     srv.URL + "/items",
		"method":  "POST",
		"headers": map[string]any{"X-Trace": "abc"},
		"body":    map[string]any{"name": "widget"},
	}))

	out, err := k.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.Data["status"])
	assert.Equal(t, map[string]any{"id": float64(7)}, out.Data["body"])
	assert.Len(t, in.Log.Entries(), 2)
}

func TestHTTPRequest_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   apperr.Kind
	}{
		{http.StatusServiceUnavailable, apperr.KindTransientIntegration},
		{http.StatusTooManyRequests, apperr.KindTransientIntegration},
		{http.StatusNotFound, apperr.KindConfiguration},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			r := NewRegistry(Deps{})
			k, _ := r.Lookup(HTTPRequest)
			_, err := k.Execute(context.Background(), newInput(prepared(t, k, map[string]any{"url": srv.URL})))
			assert.Equal(t, tt.want, apperr.KindOf(err))
		})
	}
}

// ---------- integrations ----------

func TestSendEmail_TestModeDoesNotSend(t *testing.T) {
	r := NewRegistry(Deps{Tokens: fakeTokens{}, Clients: &integration.Clients{}})
	k, _ := r.Lookup(SendEmail)
	in := newInput(map[string]any{"to": "a@example.com", "subject": "hi", "body": "there"})
	in.TestMode = true

	out, err := k.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, true, out.Data["dryRun"])
}

func TestSendEmail_SendsThroughGmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer google-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id": "msg-1"}`))
	}))
	defer srv.Close()

	r := NewRegistry(Deps{Tokens: fakeTokens{}, Clients: &integration.Clients{Gmail: integration.NewGmailClient(srv.URL)}})
	k, _ := r.Lookup(SendEmail)
	out, err := k.Execute(context.Background(), newInput(map[string]any{"to": "a@example.com", "subject": "hi", "body": "there"}))
	require.NoError(t, err)
	assert.Equal(t, "msg-1", out.Data["messageId"])
}

func TestSlackSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer slack-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"ok": true, "ts": "1.000001"}`))
	}))
	defer srv.Close()

	r := NewRegistry(Deps{Tokens: fakeTokens{}, Clients: &integration.Clients{Slack: integration.NewSlackClient(srv.URL)}})
	k, _ := r.Lookup(SlackSendMessage)
	out, err := k.Execute(context.Background(), newInput(map[string]any{"channel": "C1", "text": "hello"}))
	require.NoError(t, err)
	assert.Equal(t, "1.000001", out.Data["ts"])
}

func TestGitHubCreateIssue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, []any{"bug", "triage"}, payload["labels"])
		w.Write([]byte(`{"number": 5, "title": "t", "html_url": "https://github.com/o/r/issues/5"}`))
	}))
	defer srv.Close()

	r := NewRegistry(Deps{Tokens: fakeTokens{}, Clients: &integration.Clients{GitHub: integration.NewGitHubClient(srv.URL)}})
	k, _ := r.Lookup(GitHubCreateIssue)
	out, err := k.Execute(context.Background(), newInput(map[string]any{"owner": "o", "repo": "r", "title": "t", "labels": "bug, triage"}))
	require.NoError(t, err)
	assert.Equal(t, 5, out.Data["number"])
}

// ---------- ai-generate ----------

func TestAIGenerate_ReportsCredits(t *testing.T) {
	chat := &fakeChatModel{reply: &schema.Message{
		Role:    schema.Assistant,
		Content: "Summary: all good",
		ResponseMeta: &schema.ResponseMeta{Usage: &schema.TokenUsage{
			PromptTokens: 1200, CompletionTokens: 300, TotalTokens: 1500,
		}},
	}}
	r := NewRegistry(Deps{ChatModel: chat})
	k, _ := r.Lookup(AIGenerate)
	assert.True(t, k.UsesAI)

	out, err := k.Execute(context.Background(), newInput(prepared(t, k, map[string]any{"prompt": "Summarize"})))
	require.NoError(t, err)
	assert.Equal(t, "Summary: all good", out.Data["text"])
	assert.Equal(t, 1500, out.Data["totalTokens"])
	assert.Equal(t, int64(2), out.CreditsUsed)
	require.Len(t, chat.got, 2)
	assert.Equal(t, schema.System, chat.got[0].Role)
	assert.Equal(t, "Summarize", chat.got[1].Content)
}

func TestAIGenerate_Errors(t *testing.T) {
	r := NewRegistry(Deps{})
	k, _ := r.Lookup(AIGenerate)
	_, err := k.Execute(context.Background(), newInput(map[string]any{"prompt": "x"}))
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))

	r = NewRegistry(Deps{ChatModel: &fakeChatModel{err: errors.New("429 too many requests")}})
	k, _ = r.Lookup(AIGenerate)
	_, err = k.Execute(context.Background(), newInput(map[string]any{"prompt": "x", "maxTokens": float64(10)}))
	assert.True(t, apperr.Is(err, apperr.KindTransientIntegration))
}

// ---------- set-data / delay ----------

func TestSetData(t *testing.T) {
	r := NewRegistry(Deps{})
	k, _ := r.Lookup(SetData)
	out, err := k.Execute(context.Background(), newInput(map[string]any{"values": map[string]any{"greeting": "hi"}}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greeting": "hi"}, out.Data)

	_, err = k.Execute(context.Background(), newInput(map[string]any{"values": "nope"}))
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
}

func TestDelay_UsesSleeper(t *testing.T) {
	var slept time.Duration
	r := NewRegistry(Deps{Sleep: func(_ context.Context, d time.Duration) error { slept = d; return nil }})
	k, _ := r.Lookup(Delay)
	out, err := k.Execute(context.Background(), newInput(map[string]any{"seconds": float64(1.5)}))
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, slept)
	assert.Equal(t, 1.5, out.Data["delayedSeconds"])
}

func TestSleepContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}

func TestPollInterval(t *testing.T) {
	assert.Equal(t, 60, PollInterval(nil))
	assert.Equal(t, 60, PollInterval(map[string]any{ConfigPollIntervalSeconds: float64(10)}))
	assert.Equal(t, 300, PollInterval(map[string]any{ConfigPollIntervalSeconds: float64(300)}))
	assert.Equal(t, 120, PollInterval(map[string]any{ConfigPollIntervalSeconds: "120"}))
}

func TestSchedule_DefaultsTimezone(t *testing.T) {
	expr, tz := Schedule(map[string]any{ConfigCronExpression: "0 9 * * *"})
	assert.Equal(t, "0 9 * * *", expr)
	assert.Equal(t, "UTC", tz)

	_, tz = Schedule(map[string]any{ConfigCronExpression: "0 9 * * *", ConfigTimezone: "Europe/Oslo"})
	assert.Equal(t, "Europe/Oslo", tz)
}
