package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keyfleet/keyfleet/internal/backup"
	"github.com/keyfleet/keyfleet/internal/keys"
	"github.com/keyfleet/keyfleet/internal/logging"
	"github.com/keyfleet/keyfleet/internal/models"
	"github.com/keyfleet/keyfleet/internal/monitoring"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config holds spend monitor configuration
type Config struct {
	// Spend level at which a healthy key is retired ahead of its budget
	Threshold decimal.Decimal
	// Interval between monitor ticks
	CheckInterval time.Duration
}

// DefaultConfig returns the default monitor configuration: retire at 9.8
// against a nominal 10.0 budget, checking every five minutes.
func DefaultConfig() *Config {
	return &Config{
		Threshold:     decimal.NewFromFloat(9.8),
		CheckInterval: 5 * time.Minute,
	}
}

// Service compares key spend against the threshold, retires exhausted keys
// and promotes backups in their place, and writes the audit trail.
type Service struct {
	db      *pgxpool.Pool
	backups *backup.Service
	config  *Config
	log     zerolog.Logger
}

// NewService creates a new spend monitor service
func NewService(db *pgxpool.Pool, backups *backup.Service, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	return &Service{
		db:      db,
		backups: backups,
		config:  config,
		log:     logging.NewLogger("rotation"),
	}
}

// TickResult reports one monitor tick
type TickResult struct {
	Checked time.Time `json:"checked_at"`
	Keys    int       `json:"keys"`
	Rotated int       `json:"rotated"`
	Stalled int       `json:"stalled"`
	Resumed int       `json:"resumed"`
}

// CheckAll performs one monitor tick: finish any rotation a previous tick
// left incomplete, then check every healthy key's spend against the
// threshold and rotate the ones that crossed it.
func (s *Service) CheckAll(ctx context.Context) (*TickResult, error) {
	result := &TickResult{Checked: time.Now()}

	resumed, err := s.resumePending(ctx)
	if err != nil {
		// A stuck resume must not stop fresh spend checks
		s.log.Error().Err(err).Msg("Failed to resume pending rotations")
	}
	result.Resumed = resumed

	rows, err := s.db.Query(ctx, `
		SELECT id FROM api_keys WHERE status = $1 ORDER BY created_at ASC
	`, models.KeyStatusHealthy)
	if err != nil {
		return nil, fmt.Errorf("failed to list healthy keys: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan key id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating healthy keys: %w", err)
	}

	result.Keys = len(ids)
	for _, id := range ids {
		rotated, stalled, err := s.checkKey(ctx, id)
		if err != nil {
			s.log.Error().Err(err).Str("key_id", id).Msg("Spend check failed")
			continue
		}
		if rotated {
			result.Rotated++
		}
		if stalled {
			result.Stalled++
		}
	}

	return result, nil
}

// checkKey examines one key's spend under a row lock so a concurrent admin
// reset cannot interleave with the rotation decision. Returns whether the
// key was rotated and whether it stalled waiting for a backup.
func (s *Service) checkKey(ctx context.Context, id string) (rotated bool, stalled bool, err error) {
	now := time.Now()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var key models.Key
	err = tx.QueryRow(ctx, `
		SELECT id, secret, status, total_spend FROM api_keys WHERE id = $1 FOR UPDATE
	`, id).Scan(&key.ID, &key.Secret, &key.Status, &key.TotalSpend)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Deleted between listing and locking; nothing to check
			return false, false, nil
		}
		return false, false, fmt.Errorf("failed to lock key: %w", err)
	}
	if key.Status != models.KeyStatusHealthy {
		// Another writer retired it first
		return false, false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE api_keys SET last_spend_check = $1 WHERE id = $2
	`, now, id); err != nil {
		return false, false, fmt.Errorf("failed to stamp spend check: %w", err)
	}

	recordID := uuid.New()
	crossed := key.TotalSpend.GreaterThanOrEqual(s.config.Threshold)
	if err := s.writeHistory(ctx, tx, recordID, &key, now); err != nil {
		return false, false, err
	}
	monitoring.RecordSpendCheck(string(key.Status))

	if !crossed {
		return false, false, tx.Commit(ctx)
	}

	// Threshold crossed: retire and promote inside the same transaction so
	// no reader sees a consumed backup without its retired counterpart
	// being marked.
	if _, err := tx.Exec(ctx, `
		UPDATE api_keys SET status = $1 WHERE id = $2
	`, models.KeyStatusNeedRefresh, id); err != nil {
		return false, false, fmt.Errorf("failed to retire key: %w", err)
	}

	promoted, err := s.backups.PromoteNext(ctx, tx, id, now)
	if err != nil {
		if errors.Is(err, backup.ErrNoIdleBackup) {
			// Degraded but safe: key stays need_refresh and is surfaced
			// through the webhook status query for manual replacement.
			if cerr := tx.Commit(ctx); cerr != nil {
				return false, false, fmt.Errorf("failed to commit stalled retirement: %w", cerr)
			}
			logging.LogRotationStalled(id, key.TotalSpend.String(), s.config.Threshold.String())
			monitoring.RecordRotationStalled()
			return false, true, nil
		}
		return false, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, false, fmt.Errorf("failed to commit rotation: %w", err)
	}

	// Promotion is committed and is never rolled back from here on: the
	// backup's secret may already be partially wired up, so reuse would be
	// a correctness hazard. The remaining steps retry on the next tick.
	if err := s.completeRotation(ctx, promoted, id); err != nil {
		s.log.Error().Err(err).
			Str("key_id", id).
			Str("backup_id", promoted.ID).
			Msg("Rotation incomplete, will retry binding mirror on next tick")
		monitoring.RecordRotationFailure()
		return true, false, nil
	}

	logging.LogRotation(id, promoted.ID, keys.MaskSecret(key.Secret), models.RotationReasonSpendThreshold)
	monitoring.RecordRotation()
	return true, false, nil
}

// completeRotation installs the promoted backup as a first-class key and
// moves the retired key's bindings over to it: insert the key row, mirror
// every active binding at the same proxy and priority, deactivate the old
// bindings, then finalize the crossing's history record. Every statement is
// idempotent so a retry after partial failure converges.
func (s *Service) completeRotation(ctx context.Context, promoted *models.BackupKey, oldKeyID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO api_keys (id, secret, status, total_spend)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (id) DO NOTHING
	`, promoted.ID, promoted.Secret, models.KeyStatusHealthy); err != nil {
		return fmt.Errorf("failed to install promoted key: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO proxy_bindings (proxy_id, key_id, priority, is_active)
		SELECT proxy_id, $1, priority, true
		FROM proxy_bindings
		WHERE key_id = $2 AND is_active
		ON CONFLICT (proxy_id, key_id) DO NOTHING
	`, promoted.ID, oldKeyID); err != nil {
		return fmt.Errorf("failed to mirror bindings: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE proxy_bindings SET is_active = false WHERE key_id = $1
	`, oldKeyID); err != nil {
		return fmt.Errorf("failed to deactivate retired bindings: %w", err)
	}

	// The crossing's history record is the retired key's most recent
	// unfinalized one. Stamping it here, in the same transaction as the
	// mirror, means a resumed rotation finalizes it too; once stamped the
	// subquery matches nothing and the statement is a no-op.
	rotatedAt := time.Now()
	if promoted.UsedAt != nil {
		rotatedAt = *promoted.UsedAt
	}
	if _, err := tx.Exec(ctx, `
		UPDATE spend_history
		SET rotated_at = $1, rotation_reason = $2, new_key_id = $3
		WHERE id = (
			SELECT id FROM spend_history
			WHERE key_id = $4 AND rotated_at IS NULL
			ORDER BY checked_at DESC
			LIMIT 1
		)
	`, rotatedAt, models.RotationReasonSpendThreshold, promoted.ID, oldKeyID); err != nil {
		return fmt.Errorf("failed to finalize spend history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit rotation completion: %w", err)
	}
	return nil
}

// resumePending finishes rotations whose promotion committed but whose
// binding mirror did not: the promoted backup either has no key row yet or
// its retired key still holds active bindings.
func (s *Service) resumePending(ctx context.Context) (int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT b.id, b.secret, b.used_for, b.used_at, b.created_at
		FROM backup_keys b
		WHERE b.is_used AND b.activated AND b.used_for IS NOT NULL
		  AND (
			NOT EXISTS (SELECT 1 FROM api_keys k WHERE k.id = b.id)
			OR EXISTS (SELECT 1 FROM proxy_bindings p WHERE p.key_id = b.used_for AND p.is_active)
		  )
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to find pending rotations: %w", err)
	}
	defer rows.Close()

	var pending []models.BackupKey
	for rows.Next() {
		var bk models.BackupKey
		if err := rows.Scan(&bk.ID, &bk.Secret, &bk.UsedFor, &bk.UsedAt, &bk.CreatedAt); err != nil {
			return 0, fmt.Errorf("failed to scan pending rotation: %w", err)
		}
		pending = append(pending, bk)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating pending rotations: %w", err)
	}

	resumed := 0
	for i := range pending {
		bk := &pending[i]
		if err := s.completeRotation(ctx, bk, *bk.UsedFor); err != nil {
			s.log.Error().Err(err).Str("backup_id", bk.ID).Msg("Pending rotation still incomplete")
			continue
		}
		resumed++
	}
	return resumed, nil
}

// writeHistory appends the audit record for this check. RotatedAt stays
// null here; completeRotation finalizes it.
func (s *Service) writeHistory(ctx context.Context, tx pgx.Tx, id uuid.UUID, key *models.Key, checkedAt time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO spend_history (id, key_id, masked_secret, spend, threshold, checked_at, was_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, key.ID, keys.MaskSecret(key.Secret), key.TotalSpend, s.config.Threshold, checkedAt,
		key.Status == models.KeyStatusHealthy)
	if err != nil {
		return fmt.Errorf("failed to write spend history: %w", err)
	}
	return nil
}
