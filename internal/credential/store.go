// Package credential resolves access tokens for connected integrations,
// refreshing expired OAuth tokens and caching valid ones.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/edvin/autoflow/internal/apperr"
	"github.com/edvin/autoflow/internal/crypto"
	"github.com/edvin/autoflow/internal/db"
)

// Integration keys.
const (
	Google = "google"
	GitHub = "github"
	Slack  = "slack"
)

// KeyInfo scopes the encryption key derived from CREDENTIALS_SECRET.
const KeyInfo = "autoflow-credentials-v1"

// Tokens are treated as expired this long before their actual expiry.
const expiryLeeway = time.Minute

// Cache holds decrypted access tokens until shortly before they expire.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, token string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Store struct {
	db     db.DB
	key    []byte
	oauth  map[string]*oauth2.Config
	cache  Cache
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a credential store. cache may be nil.
func NewStore(db db.DB, key []byte, oauth map[string]*oauth2.Config, cache Cache, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		key:    key,
		oauth:  oauth,
		cache:  cache,
		logger: logger.With().Str("component", "credential").Logger(),
		now:    time.Now,
	}
}

// boundTo is the associated data sealed into every stored token, so a row
// copied to another user or provider fails to decrypt.
func boundTo(userID, integration string) []byte {
	return []byte(userID + "/" + integration)
}

func cacheKey(userID, integration string) string {
	return "credential:" + userID + ":" + integration
}

// GetAccessToken returns a valid access token for the user's integration,
// refreshing it through the provider when expired. It fails with
// NotConnected when nothing is linked and CredentialExpired when the
// provider rejects the refresh.
func (s *Store) GetAccessToken(ctx context.Context, userID, integration string) (string, error) {
	key := cacheKey(userID, integration)
	if s.cache != nil {
		token, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Warn().Err(err).Str("integration", integration).Msg("token cache read failed")
		} else if ok {
			return token, nil
		}
	}

	tok, err := s.load(ctx, userID, integration)
	if err != nil {
		return "", err
	}

	if !s.expired(tok) {
		s.remember(ctx, key, tok)
		return tok.AccessToken, nil
	}

	refreshed, err := s.refresh(ctx, integration, tok)
	if err != nil {
		return "", err
	}
	if err := s.Save(ctx, userID, integration, refreshed); err != nil {
		return "", err
	}
	s.logger.Info().Str("user_id", userID).Str("integration", integration).Msg("refreshed access token")
	s.remember(ctx, key, refreshed)
	return refreshed.AccessToken, nil
}

func (s *Store) expired(tok *oauth2.Token) bool {
	if tok.Expiry.IsZero() {
		return false
	}
	return !s.now().Add(expiryLeeway).Before(tok.Expiry)
}

func (s *Store) load(ctx context.Context, userID, integration string) (*oauth2.Token, error) {
	var (
		accessEnc  string
		refreshEnc *string
		expiresAt  *time.Time
	)
	err := s.db.QueryRow(ctx,
		`SELECT access_token_encrypted, refresh_token_encrypted, expires_at
		 FROM integration_credentials WHERE user_id = $1 AND provider = $2`,
		userID, integration,
	).Scan(&accessEnc, &refreshEnc, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotConnected, "%s is not connected", integration)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s credential: %w", integration, err)
	}

	aad := boundTo(userID, integration)
	access, err := crypto.Decrypt(accessEnc, s.key, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s access token: %w", integration, err)
	}
	tok := &oauth2.Token{AccessToken: string(access)}
	if refreshEnc != nil && *refreshEnc != "" {
		refresh, err := crypto.Decrypt(*refreshEnc, s.key, aad)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s refresh token: %w", integration, err)
		}
		tok.RefreshToken = string(refresh)
	}
	if expiresAt != nil {
		tok.Expiry = *expiresAt
	}
	return tok, nil
}

func (s *Store) refresh(ctx context.Context, integration string, tok *oauth2.Token) (*oauth2.Token, error) {
	cfg, ok := s.oauth[integration]
	if !ok || tok.RefreshToken == "" {
		return nil, apperr.New(apperr.KindCredentialExpired, "%s authorization expired", integration)
	}

	// Expire the token so the source always asks the provider.
	stale := *tok
	stale.Expiry = time.Unix(1, 0)
	refreshed, err := cfg.TokenSource(ctx, &stale).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
			return nil, apperr.Wrap(apperr.KindCredentialExpired, err, "%s rejected the token refresh", integration)
		}
		return nil, apperr.Transient(err, "refresh %s token", integration)
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tok.RefreshToken
	}
	return refreshed, nil
}

func (s *Store) remember(ctx context.Context, key string, tok *oauth2.Token) {
	if s.cache == nil {
		return
	}
	ttl := time.Hour
	if !tok.Expiry.IsZero() {
		ttl = tok.Expiry.Sub(s.now()) - expiryLeeway
	}
	if ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, key, tok.AccessToken, ttl); err != nil {
		s.logger.Warn().Err(err).Msg("token cache write failed")
	}
}

// Save encrypts and upserts the user's token for integration.
func (s *Store) Save(ctx context.Context, userID, integration string, tok *oauth2.Token) error {
	aad := boundTo(userID, integration)
	access, err := crypto.Encrypt([]byte(tok.AccessToken), s.key, aad)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	var refresh *string
	if tok.RefreshToken != "" {
		enc, err := crypto.Encrypt([]byte(tok.RefreshToken), s.key, aad)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		refresh = &enc
	}
	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		expiresAt = &tok.Expiry
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO integration_credentials (id, user_id, provider, access_token_encrypted, refresh_token_encrypted, expires_at, created_at, updated_at)
		 VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5, now(), now())
		 ON CONFLICT (user_id, provider) DO UPDATE SET access_token_encrypted = EXCLUDED.access_token_encrypted,
		   refresh_token_encrypted = EXCLUDED.refresh_token_encrypted, expires_at = EXCLUDED.expires_at, updated_at = now()`,
		userID, integration, access, refresh, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("save %s credential: %w", integration, err)
	}
	return nil
}

// Disconnect removes the user's credential and any cached token.
func (s *Store) Disconnect(ctx context.Context, userID, integration string) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM integration_credentials WHERE user_id = $1 AND provider = $2`, userID, integration,
	); err != nil {
		return fmt.Errorf("delete %s credential: %w", integration, err)
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, cacheKey(userID, integration)); err != nil {
			s.logger.Warn().Err(err).Msg("token cache delete failed")
		}
	}
	return nil
}
