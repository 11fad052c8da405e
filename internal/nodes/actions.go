package nodes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/edvin/autoflow/internal/apperr"
	"github.com/edvin/autoflow/internal/credential"
)

// Action kinds.
const (
	HTTPRequest       = "http-request"
	SendEmail         = "send-email"
	SlackSendMessage  = "slack-send-message"
	GitHubCreateIssue = "github-create-issue"
	AIGenerate        = "ai-generate"
	SetData           = "set-data"
	Delay             = "delay"
)

// maxDelaySeconds caps the delay kind; longer waits belong in a schedule.
const maxDelaySeconds = 300

func actionKinds(deps Deps) []*Kind {
	return []*Kind{
		{
			Name:     HTTPRequest,
			Category: CategoryAction,
			Schema: Schema{
				Fields: map[string]string{
					"url":            "required,url",
					"method":         "required,oneof=GET POST PUT PATCH DELETE",
					"timeoutSeconds": "gte=1,lte=120",
				},
				Defaults: map[string]any{"method": "GET", "timeoutSeconds": float64(30)},
			},
			Execute: httpRequest(deps),
		},
		{
			Name:     SendEmail,
			Category: CategoryAction,
			Schema: Schema{Fields: map[string]string{
				"to":      "required,email",
				"subject": "required",
				"body":    "required",
			}},
			Execute: sendEmail(deps),
		},
		{
			Name:     SlackSendMessage,
			Category: CategoryAction,
			Schema:   Schema{Fields: map[string]string{"channel": "required", "text": "required"}},
			Execute:  slackSendMessage(deps),
		},
		{
			Name:     GitHubCreateIssue,
			Category: CategoryAction,
			Schema:   Schema{Fields: map[string]string{"owner": "required", "repo": "required", "title": "required"}},
			Execute:  githubCreateIssue(deps),
		},
		{
			Name:     AIGenerate,
			Category: CategoryAction,
			UsesAI:   true,
			Schema: Schema{
				Fields:   map[string]string{"prompt": "required", "maxTokens": "gte=1,lte=4096"},
				Defaults: map[string]any{"maxTokens": float64(512), "system": "You are a helpful assistant inside an automation workflow. Answer concisely."},
			},
			Execute: aiGenerate(deps),
		},
		{
			Name:     SetData,
			Category: CategoryAction,
			Schema:   Schema{Fields: map[string]string{"values": "required"}},
			Execute:  setData,
		},
		{
			Name:     Delay,
			Category: CategoryAction,
			Schema:   Schema{Fields: map[string]string{"seconds": fmt.Sprintf("required,gte=0,lte=%d", maxDelaySeconds)}},
			Execute:  delay(deps),
		},
	}
}

func httpRequest(deps Deps) ExecuteFunc {
	return func(ctx context.Context, in *Input) (*Output, error) {
		method := strings.ToUpper(str(in.Config, "method"))
		url := str(in.Config, "url")
		timeout, _ := number(in.Config, "timeoutSeconds")

		var body io.Reader
		if b, ok := in.Config["body"]; ok && b != nil && method != http.MethodGet {
			if s, isString := b.(string); isString {
				body = strings.NewReader(s)
			} else {
				data, err := json.Marshal(b)
				if err != nil {
					return nil, apperr.Configuration("encode request body: %v", err)
				}
				body = bytes.NewReader(data)
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, method, url, body)
		if err != nil {
			return nil, apperr.Configuration("build request: %v", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if headers, ok := in.Config["headers"].(map[string]any); ok {
			for k, v := range headers {
				req.Header.Set(k, fmt.Sprint(v))
			}
		}

		in.Log.Info("sending request", map[string]any{"method": method, "url": url})
		start := time.Now()
		resp, err := deps.HTTPClient.Do(req)
		if err != nil {
			return nil, apperr.Transient(err, "%s %s", method, url)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, apperr.Transient(err, "read response from %s", url)
		}
		in.Log.Info("received response", map[string]any{"status": resp.StatusCode, "elapsedMs": time.Since(start).Milliseconds()})

		switch {
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			return nil, apperr.New(apperr.KindTransientIntegration, "%s %s returned status %d", method, url, resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, apperr.Configuration("%s %s returned status %d: %s", method, url, resp.StatusCode, truncate(string(raw), 256))
		}

		var parsed any = string(raw)
		var decoded any
		if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
			parsed = decoded
		}
		headers := map[string]any{}
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}
		return &Output{Data: map[string]any{"status": resp.StatusCode, "headers": headers, "body": parsed}}, nil
	}
}

func sendEmail(deps Deps) ExecuteFunc {
	return func(ctx context.Context, in *Input) (*Output, error) {
		to, subject, body := str(in.Config, "to"), str(in.Config, "subject"), str(in.Config, "body")
		if in.TestMode {
			in.Log.Info("test mode: email not sent", map[string]any{"to": to})
			return &Output{Data: map[string]any{"to": to, "subject": subject, "dryRun": true}}, nil
		}

		token, err := deps.Tokens.GetAccessToken(ctx, in.UserID, credential.Google)
		if err != nil {
			return nil, err
		}
		id, err := deps.Clients.Gmail.SendEmail(ctx, token, to, subject, body)
		if err != nil {
			return nil, err
		}
		in.Log.Info("email sent", map[string]any{"to": to, "messageId": id})
		return &Output{Data: map[string]any{"messageId": id, "to": to, "subject": subject}}, nil
	}
}

func slackSendMessage(deps Deps) ExecuteFunc {
	return func(ctx context.Context, in *Input) (*Output, error) {
		channel, text := str(in.Config, "channel"), str(in.Config, "text")
		if in.TestMode {
			in.Log.Info("test mode: message not posted", map[string]any{"channel": channel})
			return &Output{Data: map[string]any{"channel": channel, "text": text, "dryRun": true}}, nil
		}

		token, err := deps.Tokens.GetAccessToken(ctx, in.UserID, credential.Slack)
		if err != nil {
			return nil, err
		}
		ts, err := deps.Clients.Slack.PostMessage(ctx, token, channel, text)
		if err != nil {
			return nil, err
		}
		in.Log.Info("message posted", map[string]any{"channel": channel, "ts": ts})
		return &Output{Data: map[string]any{"channel": channel, "ts": ts, "text": text}}, nil
	}
}

func githubCreateIssue(deps Deps) ExecuteFunc {
	return func(ctx context.Context, in *Input) (*Output, error) {
		owner, repo, title := str(in.Config, "owner"), str(in.Config, "repo"), str(in.Config, "title")
		if in.TestMode {
			in.Log.Info("test mode: issue not created", map[string]any{"repo": owner + "/" + repo})
			return &Output{Data: map[string]any{"title": title, "dryRun": true}}, nil
		}

		token, err := deps.Tokens.GetAccessToken(ctx, in.UserID, credential.GitHub)
		if err != nil {
			return nil, err
		}
		issue, err := deps.Clients.GitHub.CreateIssue(ctx, token, owner, repo, title, str(in.Config, "body"), stringList(in.Config, "labels"))
		if err != nil {
			return nil, err
		}
		in.Log.Info("issue created", map[string]any{"number": issue.Number})
		return &Output{Data: map[string]any{"number": issue.Number, "url": issue.HTMLURL, "title": issue.Title}}, nil
	}
}

func setData(_ context.Context, in *Input) (*Output, error) {
	values, ok := in.Config["values"].(map[string]any)
	if !ok {
		return nil, apperr.Configuration("values must be an object")
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return &Output{Data: out}, nil
}

func delay(deps Deps) ExecuteFunc {
	return func(ctx context.Context, in *Input) (*Output, error) {
		seconds, _ := number(in.Config, "seconds")
		d := time.Duration(seconds * float64(time.Second))
		in.Log.Info("waiting", map[string]any{"seconds": seconds})
		if err := deps.Sleep(ctx, d); err != nil {
			return nil, err
		}
		return &Output{Data: map[string]any{"delayedSeconds": seconds}}, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
