package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/keyfleet/keyfleet/internal/keys"
	"github.com/keyfleet/keyfleet/internal/models"
	"github.com/shopspring/decimal"
)

// KeySpend is one key's standing against the rotation threshold
type KeySpend struct {
	KeyID          string           `json:"key_id"`
	MaskedSecret   string           `json:"masked_secret"`
	Status         models.KeyStatus `json:"status"`
	TotalSpend     decimal.Decimal  `json:"total_spend"`
	Threshold      decimal.Decimal  `json:"threshold"`
	PercentUsed    decimal.Decimal  `json:"percent_used"`
	LastSpendCheck *time.Time       `json:"last_spend_check,omitempty"`
}

// SummaryResponse reports every key's spend standing
type SummaryResponse struct {
	Keys      []KeySpend      `json:"keys"`
	Threshold decimal.Decimal `json:"threshold"`
	Total     int             `json:"total"`
}

// Summary returns every key's spend against the rotation threshold,
// highest spenders first.
func (s *Service) Summary(ctx context.Context) (*SummaryResponse, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, secret, status, total_spend, last_spend_check
		FROM api_keys
		ORDER BY total_spend DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query spend summary: %w", err)
	}
	defer rows.Close()

	hundred := decimal.NewFromInt(100)
	summary := &SummaryResponse{Keys: []KeySpend{}, Threshold: s.config.Threshold}
	for rows.Next() {
		var ks KeySpend
		var secret string
		if err := rows.Scan(&ks.KeyID, &secret, &ks.Status, &ks.TotalSpend, &ks.LastSpendCheck); err != nil {
			return nil, fmt.Errorf("failed to scan spend summary row: %w", err)
		}
		ks.MaskedSecret = keys.MaskSecret(secret)
		ks.Threshold = s.config.Threshold
		if s.config.Threshold.IsPositive() {
			ks.PercentUsed = ks.TotalSpend.Div(s.config.Threshold).Mul(hundred).Round(2)
		}
		summary.Keys = append(summary.Keys, ks)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating spend summary: %w", err)
	}

	summary.Total = len(summary.Keys)
	return summary, nil
}

// HistoryResponse is a page of spend check records
type HistoryResponse struct {
	Records    []models.SpendHistoryRecord `json:"records"`
	Total      int64                       `json:"total"`
	Page       int                         `json:"page"`
	PageSize   int                         `json:"page_size"`
	TotalPages int                         `json:"total_pages"`
}

// History returns spend check records newest first, optionally filtered to
// one key. Page is 1-based; pageSize is clamped to 1..100.
func (s *Service) History(ctx context.Context, keyID string, page, pageSize int) (*HistoryResponse, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	var total int64
	var err error
	if keyID != "" {
		err = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM spend_history WHERE key_id = $1`, keyID).Scan(&total)
	} else {
		err = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM spend_history`).Scan(&total)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to count spend history: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT id, key_id, masked_secret, spend, threshold, checked_at, was_active,
		       rotated_at, rotation_reason, new_key_id
		FROM spend_history
	`
	var args []interface{}
	if keyID != "" {
		query += ` WHERE key_id = $1 ORDER BY checked_at DESC LIMIT $2 OFFSET $3`
		args = []interface{}{keyID, pageSize, offset}
	} else {
		query += ` ORDER BY checked_at DESC LIMIT $1 OFFSET $2`
		args = []interface{}{pageSize, offset}
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query spend history: %w", err)
	}
	defer rows.Close()

	records := []models.SpendHistoryRecord{}
	for rows.Next() {
		var r models.SpendHistoryRecord
		if err := rows.Scan(&r.ID, &r.KeyID, &r.MaskedSecret, &r.Spend, &r.Threshold, &r.CheckedAt,
			&r.WasActive, &r.RotatedAt, &r.RotationReason, &r.NewKeyID); err != nil {
			return nil, fmt.Errorf("failed to scan spend history row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating spend history: %w", err)
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return &HistoryResponse{
		Records:    records,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}
