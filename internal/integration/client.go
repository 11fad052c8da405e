// Package integration talks to third-party APIs on behalf of users and
// implements the change-detection adapters behind polling triggers.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/edvin/autoflow/internal/apperr"
)

// TokenSource resolves a user's access token for an integration.
type TokenSource interface {
	GetAccessToken(ctx context.Context, userID, integration string) (string, error)
}

// apiClient is the shared HTTP plumbing for the provider clients. Outbound
// calls are throttled per provider.
type apiClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func newAPIClient(name, baseURL string, rps float64, burst int) *apiClient {
	return &apiClient{
		name:       name,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// do sends a JSON request with a bearer token and decodes the JSON response
// into out when out is non-nil.
func (c *apiClient) do(ctx context.Context, method, path, token string, body, out any) error {
	_, err := c.call(ctx, method, path, token, body, out)
	return err
}

// call is do that also hands back the response headers, for APIs that
// paginate through Link.
func (c *apiClient) call(ctx context.Context, method, path, token string, body, out any) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperr.Transient(err, "%s rate limiter", c.name)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfiguration, err, "marshal %s request", c.name)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, err, "build %s request", c.name)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Transient(err, "%s %s", c.name, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transient(err, "read %s response", c.name)
	}

	if resp.StatusCode >= 300 {
		return nil, classifyStatus(c.name, resp, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", c.name, err)
		}
	}
	return resp.Header, nil
}

// classifyStatus maps an HTTP failure onto the error taxonomy: 401 means the
// authorization is gone, 429 and 5xx are worth retrying, any other 4xx is a
// problem with the request itself.
func classifyStatus(name string, resp *http.Response, body []byte) error {
	msg := fmt.Sprintf("%s: status %d: %s", name, resp.StatusCode, truncate(string(body), 512))
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return apperr.New(apperr.KindCredentialExpired, "%s", msg)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return apperr.New(apperr.KindTransientIntegration, "%s", msg)
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return apperr.New(apperr.KindTransientIntegration, "%s", msg)
	default:
		return apperr.New(apperr.KindConfiguration, "%s", msg)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func stringConfig(cfg map[string]any, key string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}

func requireConfig(cfg map[string]any, keys ...string) error {
	for _, k := range keys {
		if stringConfig(cfg, k) == "" {
			return apperr.Configuration("missing required config field %q", k)
		}
	}
	return nil
}
