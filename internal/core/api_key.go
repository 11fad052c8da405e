package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/edvin/autoflow/internal/apperr"
	"github.com/edvin/autoflow/internal/crypto"
	"github.com/edvin/autoflow/internal/db"
	"github.com/edvin/autoflow/internal/model"
)

// APIKeyService manages the per-user keys accepted by the /api/v1 routes.
type APIKeyService struct {
	db db.DB
}

func NewAPIKeyService(db db.DB) *APIKeyService {
	return &APIKeyService{db: db}
}

// Create generates a new key for userID. The raw key is returned once and
// only its hash is stored.
func (s *APIKeyService) Create(ctx context.Context, userID, name string) (*model.APIKey, string, error) {
	rawBytes := make([]byte, 32)
	if _, err := rand.Read(rawBytes); err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}
	rawKey := "afk_" + hex.EncodeToString(rawBytes)

	key, err := s.CreateWithRawKey(ctx, userID, name, rawKey)
	if err != nil {
		return nil, "", err
	}
	return key, rawKey, nil
}

// CreateWithRawKey stores a caller-provided key, for well-known dev keys.
func (s *APIKeyService) CreateWithRawKey(ctx context.Context, userID, name, rawKey string) (*model.APIKey, error) {
	if len(rawKey) < 12 {
		return nil, fmt.Errorf("api key must be at least 12 characters")
	}
	key := &model.APIKey{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		KeyPrefix: rawKey[:12],
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, created_at) VALUES ($1, $2, $3, $4, $5, now())
		 RETURNING created_at`,
		key.ID, key.UserID, key.Name, crypto.TokenHash(rawKey), key.KeyPrefix,
	).Scan(&key.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert api key: %w", err)
	}
	return key, nil
}

// Resolve returns the active key matching rawKey.
func (s *APIKeyService) Resolve(ctx context.Context, rawKey string) (*model.APIKey, error) {
	var k model.APIKey
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, name, key_prefix, created_at, revoked_at FROM api_keys WHERE key_hash = $1 AND revoked_at IS NULL`,
		crypto.TokenHash(rawKey),
	).Scan(&k.ID, &k.UserID, &k.Name, &k.KeyPrefix, &k.CreatedAt, &k.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("api key not found")
	}
	if err != nil {
		return nil, fmt.Errorf("resolve api key: %w", err)
	}
	return &k, nil
}

// List returns the user's active keys, newest first. Hashes are never
// loaded.
func (s *APIKeyService) List(ctx context.Context, userID string) ([]model.APIKey, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, name, key_prefix, created_at FROM api_keys
		 WHERE user_id = $1 AND revoked_at IS NULL ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	out := []model.APIKey{}
	for rows.Next() {
		var k model.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyPrefix, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	return out, nil
}

// Revoke soft-deletes one of the user's keys.
func (s *APIKeyService) Revoke(ctx context.Context, userID, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL`, id, userID,
	)
	if err != nil {
		return fmt.Errorf("revoke api key %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("api key %s not found or already revoked", id)
	}
	return nil
}
