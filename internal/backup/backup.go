package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keyfleet/keyfleet/internal/keys"
	"github.com/keyfleet/keyfleet/internal/models"
	"github.com/keyfleet/keyfleet/internal/monitoring"
)

// Service errors
var (
	ErrBackupExpired  = errors.New("backup key retention window has elapsed")
	ErrBackupNotFound = errors.New("backup key not found")
	ErrDuplicateID    = errors.New("backup key id already exists")
	ErrEmptyID        = errors.New("backup key id must not be empty")
	ErrEmptySecret    = errors.New("backup key secret must not be empty")
	ErrNoIdleBackup   = errors.New("no idle backup key available")
)

// Service handles the backup key reserve
type Service struct {
	db *pgxpool.Pool
}

// NewService creates a new backup key reserve service
func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

// BackupKeyResponse represents a backup key in list responses, secret masked
type BackupKeyResponse struct {
	ID           string     `json:"id"`
	MaskedSecret string     `json:"masked_secret"`
	IsUsed       bool       `json:"is_used"`
	Activated    bool       `json:"activated"`
	UsedFor      *string    `json:"used_for,omitempty"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ListBackupKeysResponse represents the response for listing backup keys
type ListBackupKeysResponse struct {
	Keys  []BackupKeyResponse `json:"keys"`
	Total int                 `json:"total"`
}

// Stats holds reserve counts grouped by lifecycle state
type Stats struct {
	Idle      int `json:"idle"`
	Used      int `json:"used"`
	Activated int `json:"activated"`
}

// Create inserts a new idle backup key
func (s *Service) Create(ctx context.Context, id, secret string) (*models.BackupKey, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrEmptyID
	}
	if secret == "" {
		return nil, ErrEmptySecret
	}

	var bk models.BackupKey
	err := s.db.QueryRow(ctx, `
		INSERT INTO backup_keys (id, secret, is_used, activated)
		VALUES ($1, $2, false, false)
		ON CONFLICT (id) DO NOTHING
		RETURNING id, secret, is_used, activated, used_for, used_at, created_at
	`, id, secret).Scan(
		&bk.ID, &bk.Secret, &bk.IsUsed, &bk.Activated, &bk.UsedFor, &bk.UsedAt, &bk.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDuplicateID
		}
		return nil, fmt.Errorf("failed to create backup key: %w", err)
	}

	return &bk, nil
}

// Delete removes a backup key. Deleting an absent id is a no-op so the
// retention sweep stays idempotent.
func (s *Service) Delete(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM backup_keys WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to delete backup key: %w", err)
	}
	return nil
}

// List returns all backup keys with secrets masked
func (s *Service) List(ctx context.Context) (*ListBackupKeysResponse, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, secret, is_used, activated, used_for, used_at, created_at
		FROM backup_keys
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup keys: %w", err)
	}
	defer rows.Close()

	var out []BackupKeyResponse
	for rows.Next() {
		var bk models.BackupKey
		err := rows.Scan(&bk.ID, &bk.Secret, &bk.IsUsed, &bk.Activated, &bk.UsedFor, &bk.UsedAt, &bk.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backup key: %w", err)
		}
		out = append(out, BackupKeyResponse{
			ID:           bk.ID,
			MaskedSecret: keys.MaskSecret(bk.Secret),
			IsUsed:       bk.IsUsed,
			Activated:    bk.Activated,
			UsedFor:      bk.UsedFor,
			UsedAt:       bk.UsedAt,
			CreatedAt:    bk.CreatedAt,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backup keys: %w", err)
	}

	return &ListBackupKeysResponse{Keys: out, Total: len(out)}, nil
}

// Restore returns a used backup key to the idle pool, clearing its promotion
// markers. A used key past the retention window can never come back, even
// when the sweep has not physically deleted it yet.
func (s *Service) Restore(ctx context.Context, id string, retention time.Duration) (*models.BackupKey, error) {
	cutoff := time.Now().Add(-retention)

	var bk models.BackupKey
	err := s.db.QueryRow(ctx, `
		UPDATE backup_keys
		SET is_used = false, activated = false, used_for = NULL, used_at = NULL
		WHERE id = $1 AND (NOT is_used OR used_at IS NULL OR used_at > $2)
		RETURNING id, secret, is_used, activated, used_for, used_at, created_at
	`, id, cutoff).Scan(
		&bk.ID, &bk.Secret, &bk.IsUsed, &bk.Activated, &bk.UsedFor, &bk.UsedAt, &bk.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if qerr := s.db.QueryRow(ctx, `
				SELECT EXISTS (SELECT 1 FROM backup_keys WHERE id = $1)
			`, id).Scan(&exists); qerr != nil {
				return nil, fmt.Errorf("failed to check backup key: %w", qerr)
			}
			if exists {
				return nil, ErrBackupExpired
			}
			return nil, ErrBackupNotFound
		}
		return nil, fmt.Errorf("failed to restore backup key: %w", err)
	}
	monitoring.RecordBackupRestored()
	return &bk, nil
}

// GetStats returns counts of idle, used and activated backup keys
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	err := s.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE NOT is_used) as idle,
			COUNT(*) FILTER (WHERE is_used) as used,
			COUNT(*) FILTER (WHERE activated) as activated
		FROM backup_keys
	`).Scan(&stats.Idle, &stats.Used, &stats.Activated)
	if err != nil {
		return nil, fmt.Errorf("failed to get backup key stats: %w", err)
	}
	monitoring.SetBackupKeysIdle(int64(stats.Idle))
	return &stats, nil
}

// PromoteNext claims the first available idle backup key for the given
// retired key, inside the caller's transaction. The row lock keeps two
// concurrent rotations from claiming the same backup.
func (s *Service) PromoteNext(ctx context.Context, tx pgx.Tx, forKeyID string, now time.Time) (*models.BackupKey, error) {
	var bk models.BackupKey
	err := tx.QueryRow(ctx, `
		SELECT id, secret, created_at
		FROM backup_keys
		WHERE NOT is_used
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`).Scan(&bk.ID, &bk.Secret, &bk.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoIdleBackup
		}
		return nil, fmt.Errorf("failed to select idle backup key: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE backup_keys
		SET is_used = true, activated = true, used_for = $1, used_at = $2
		WHERE id = $3
	`, forKeyID, now, bk.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to promote backup key: %w", err)
	}

	bk.IsUsed = true
	bk.Activated = true
	bk.UsedFor = &forKeyID
	bk.UsedAt = &now
	return &bk, nil
}

// PurgeExpired deletes every used backup key whose retention window has
// elapsed, returning the number purged. Safe to call repeatedly.
func (s *Service) PurgeExpired(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-retention)
	result, err := s.db.Exec(ctx, `
		DELETE FROM backup_keys
		WHERE is_used AND used_at IS NOT NULL AND used_at <= $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired backup keys: %w", err)
	}
	return result.RowsAffected(), nil
}
