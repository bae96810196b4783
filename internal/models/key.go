package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// KeyStatus represents the lifecycle state of an upstream provider key
type KeyStatus string

const (
	KeyStatusHealthy     KeyStatus = "healthy"
	KeyStatusNeedRefresh KeyStatus = "need_refresh"
	KeyStatusDisabled    KeyStatus = "disabled"
)

// Key represents an upstream provider credential
type Key struct {
	ID             string          `json:"id" db:"id"`
	Secret         string          `json:"-" db:"secret"`
	Status         KeyStatus       `json:"status" db:"status"`
	TotalSpend     decimal.Decimal `json:"total_spend" db:"total_spend"`
	LastSpendCheck *time.Time      `json:"last_spend_check,omitempty" db:"last_spend_check"`
	LastUsedAt     *time.Time      `json:"last_used_at,omitempty" db:"last_used_at"`
	LastError      *string         `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Usable reports whether the key may be handed to the router or selected
// for new bindings
func (k *Key) Usable() bool {
	return k.Status == KeyStatusHealthy
}
