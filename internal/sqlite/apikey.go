package sqlite

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownKey is returned when a token matches no stored key.
	ErrUnknownKey = errors.New("unknown api key")
	// ErrInvalidKey is returned for a key that cannot be stored.
	ErrInvalidKey = errors.New("invalid api key")
)

// APIKeyRepository stores hashed bearer tokens.
type APIKeyRepository struct {
	db *DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Create generates a new token for owner and stores its hash. The token
// itself is returned once and never stored.
func (r *APIKeyRepository) Create(ctx context.Context, owner, description string) (string, error) {
	if owner == "" {
		return "", fmt.Errorf("%w: owner is required", ErrInvalidKey)
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := "ick_" + hex.EncodeToString(buf)
	if err := r.Add(ctx, token, owner, description); err != nil {
		return "", err
	}
	return token, nil
}

// Add stores the hash of a caller-chosen token.
func (r *APIKeyRepository) Add(ctx context.Context, token, owner, description string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_hash, owner, created_at, description) VALUES (?, ?, ?, ?)`,
		HashToken(token), owner, time.Now().UTC(), description,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: key already registered", ErrInvalidKey)
	}
	if err != nil {
		return fmt.Errorf("failed to add api key: %w", err)
	}
	return nil
}

// ResolveKey returns the owner of token and records its use.
func (r *APIKeyRepository) ResolveKey(ctx context.Context, token string) (string, error) {
	hash := HashToken(token)
	var owner string
	err := r.db.QueryRowContext(ctx, `SELECT owner FROM api_keys WHERE key_hash = ?`, hash).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownKey
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve api key: %w", err)
	}
	_, _ = r.db.ExecContext(ctx, `UPDATE api_keys SET last_used = ? WHERE key_hash = ?`, time.Now().UTC(), hash)
	return owner, nil
}

// HashToken returns the stored form of a bearer token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
