package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RotationReasonSpendThreshold is recorded when a key is retired because its
// cumulative spend crossed the configured threshold.
const RotationReasonSpendThreshold = "spend_threshold_exceeded"

// SpendHistoryRecord is an append-only audit entry written on every spend
// check. RotatedAt is null when the check did not trigger a rotation.
type SpendHistoryRecord struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	KeyID          string          `json:"key_id" db:"key_id"`
	MaskedSecret   string          `json:"masked_secret" db:"masked_secret"`
	Spend          decimal.Decimal `json:"spend" db:"spend"`
	Threshold      decimal.Decimal `json:"threshold" db:"threshold"`
	CheckedAt      time.Time       `json:"checked_at" db:"checked_at"`
	WasActive      bool            `json:"was_active" db:"was_active"`
	RotatedAt      *time.Time      `json:"rotated_at,omitempty" db:"rotated_at"`
	RotationReason *string         `json:"rotation_reason,omitempty" db:"rotation_reason"`
	NewKeyID       *string         `json:"new_key_id,omitempty" db:"new_key_id"`
}
