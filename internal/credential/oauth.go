package credential

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/edvin/autoflow/internal/config"
)

// OAuthConfigs returns refresh configurations for every integration with
// client credentials configured.
func OAuthConfigs(cfg *config.Config) map[string]*oauth2.Config {
	out := map[string]*oauth2.Config{}
	add := func(key, id, secret string, endpoint oauth2.Endpoint) {
		if id == "" || secret == "" {
			return
		}
		out[key] = &oauth2.Config{ClientID: id, ClientSecret: secret, Endpoint: endpoint}
	}
	add(Google, cfg.GoogleClientID, cfg.GoogleClientSecret, endpoints.Google)
	add(GitHub, cfg.GitHubClientID, cfg.GitHubClientSecret, endpoints.GitHub)
	add(Slack, cfg.SlackClientID, cfg.SlackClientSecret, endpoints.Slack)
	return out
}
