package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keyfleet/keyfleet/internal/models"
	"github.com/shopspring/decimal"
)

// Service errors
var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrDuplicateID   = errors.New("key id already exists")
	ErrEmptyID       = errors.New("key id must not be empty")
	ErrEmptySecret   = errors.New("key secret must not be empty")
	ErrNegativeSpend = errors.New("spend amount must not be negative")
)

// Service handles upstream provider key operations. It is the sole owner of
// the key lifecycle; bindings hold weak references that are cascaded here on
// delete.
type Service struct {
	db *pgxpool.Pool
}

// NewService creates a new key registry service
func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

// KeyResponse represents a key in list responses, secret masked
type KeyResponse struct {
	ID             string          `json:"id"`
	MaskedSecret   string          `json:"masked_secret"`
	Status         models.KeyStatus `json:"status"`
	TotalSpend     decimal.Decimal `json:"total_spend"`
	LastSpendCheck *time.Time      `json:"last_spend_check,omitempty"`
	LastUsedAt     *time.Time      `json:"last_used_at,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ListKeysResponse represents the response for listing keys
type ListKeysResponse struct {
	Keys  []KeyResponse `json:"keys"`
	Total int           `json:"total"`
}

// Create inserts a new key with healthy status and zero spend
func (s *Service) Create(ctx context.Context, id, secret string) (*models.Key, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrEmptyID
	}
	if secret == "" {
		return nil, ErrEmptySecret
	}

	var key models.Key
	err := s.db.QueryRow(ctx, `
		INSERT INTO api_keys (id, secret, status, total_spend)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (id) DO NOTHING
		RETURNING id, secret, status, total_spend, last_spend_check, last_used_at, last_error, created_at
	`, id, secret, models.KeyStatusHealthy).Scan(
		&key.ID, &key.Secret, &key.Status, &key.TotalSpend,
		&key.LastSpendCheck, &key.LastUsedAt, &key.LastError, &key.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDuplicateID
		}
		return nil, fmt.Errorf("failed to create key: %w", err)
	}

	return &key, nil
}

// Delete removes a key and every binding that references it, in one
// transaction. Leaving bindings behind is exactly the orphan condition the
// reconciler exists to fix, so the cascade happens eagerly here.
// Returns false if the key did not exist.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM proxy_bindings WHERE key_id = $1
	`, id); err != nil {
		return false, fmt.Errorf("failed to cascade bindings: %w", err)
	}

	result, err := tx.Exec(ctx, `
		DELETE FROM api_keys WHERE id = $1
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete key: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// ResetStats zeroes a key's spend and usage counters. Status is deliberately
// left untouched. The row is locked so a concurrent rotation cannot
// interleave with the reset.
func (s *Service) ResetStats(ctx context.Context, id string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing string
	err = tx.QueryRow(ctx, `
		SELECT id FROM api_keys WHERE id = $1 FOR UPDATE
	`, id).Scan(&existing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("failed to lock key: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE api_keys
		SET total_spend = 0, last_spend_check = NULL, last_used_at = NULL, last_error = NULL
		WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("failed to reset key stats: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// List returns all keys with secrets masked
func (s *Service) List(ctx context.Context) (*ListKeysResponse, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, secret, status, total_spend, last_spend_check, last_used_at, last_error, created_at
		FROM api_keys
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []KeyResponse
	for rows.Next() {
		var key models.Key
		err := rows.Scan(
			&key.ID, &key.Secret, &key.Status, &key.TotalSpend,
			&key.LastSpendCheck, &key.LastUsedAt, &key.LastError, &key.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, KeyResponse{
			ID:             key.ID,
			MaskedSecret:   MaskSecret(key.Secret),
			Status:         key.Status,
			TotalSpend:     key.TotalSpend,
			LastSpendCheck: key.LastSpendCheck,
			LastUsedAt:     key.LastUsedAt,
			LastError:      key.LastError,
			CreatedAt:      key.CreatedAt,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}

	return &ListKeysResponse{
		Keys:  keys,
		Total: len(keys),
	}, nil
}

// Get returns a single key with its raw secret. This is the only reveal
// style accessor; everything list shaped goes through MaskSecret.
func (s *Service) Get(ctx context.Context, id string) (*models.Key, error) {
	var key models.Key
	err := s.db.QueryRow(ctx, `
		SELECT id, secret, status, total_spend, last_spend_check, last_used_at, last_error, created_at
		FROM api_keys WHERE id = $1
	`, id).Scan(
		&key.ID, &key.Secret, &key.Status, &key.TotalSpend,
		&key.LastSpendCheck, &key.LastUsedAt, &key.LastError, &key.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return &key, nil
}

// RecordSpend adds an externally reported spend amount to a key's running
// total. The total only grows; resets go through ResetStats.
func (s *Service) RecordSpend(ctx context.Context, id string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeSpend
	}

	now := time.Now()
	result, err := s.db.Exec(ctx, `
		UPDATE api_keys
		SET total_spend = total_spend + $1, last_used_at = $2
		WHERE id = $3
	`, amount, now, id)
	if err != nil {
		return fmt.Errorf("failed to record spend: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// SetLastError records the most recent error observed for a key
func (s *Service) SetLastError(ctx context.Context, id string, message string) error {
	result, err := s.db.Exec(ctx, `
		UPDATE api_keys SET last_error = $1 WHERE id = $2
	`, message, id)
	if err != nil {
		return fmt.Errorf("failed to set key error: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// MaskSecret masks a credential for display as first8...last4. Secrets too
// short to keep both ends distinct are masked entirely.
func MaskSecret(secret string) string {
	if len(secret) <= 12 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:8] + "..." + secret[len(secret)-4:]
}
