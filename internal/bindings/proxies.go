package bindings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/keyfleet/keyfleet/internal/models"
)

// Proxy registry errors
var (
	ErrDuplicateProxy = errors.New("a proxy with this id already exists")
	ErrEmptyProxyID   = errors.New("proxy id is required")
)

// CreateProxy registers an outbound proxy endpoint keys can be bound to
func (s *Service) CreateProxy(ctx context.Context, id, name, endpoint string) (*models.Proxy, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrEmptyProxyID
	}
	if strings.TrimSpace(name) == "" {
		name = id
	}

	var proxy models.Proxy
	err := s.db.QueryRow(ctx, `
		INSERT INTO proxies (id, name, endpoint)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
		RETURNING id, name, endpoint, created_at
	`, id, name, endpoint).Scan(&proxy.ID, &proxy.Name, &proxy.Endpoint, &proxy.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDuplicateProxy
		}
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}

	return &proxy, nil
}

// ListProxies returns all registered proxies with their binding counts
func (s *Service) ListProxies(ctx context.Context) ([]ProxySummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT p.id, p.name, p.endpoint, p.created_at,
		       COUNT(b.key_id) FILTER (WHERE b.is_active) AS active_bindings,
		       COUNT(b.key_id) AS total_bindings
		FROM proxies p
		LEFT JOIN proxy_bindings b ON b.proxy_id = p.id
		GROUP BY p.id, p.name, p.endpoint, p.created_at
		ORDER BY p.created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list proxies: %w", err)
	}
	defer rows.Close()

	out := []ProxySummary{}
	for rows.Next() {
		var p ProxySummary
		if err := rows.Scan(&p.ID, &p.Name, &p.Endpoint, &p.CreatedAt,
			&p.ActiveBindings, &p.TotalBindings); err != nil {
			return nil, fmt.Errorf("failed to scan proxy: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating proxies: %w", err)
	}

	return out, nil
}

// ProxySummary is a proxy with its binding counts
type ProxySummary struct {
	models.Proxy
	ActiveBindings int64 `json:"active_bindings"`
	TotalBindings  int64 `json:"total_bindings"`
}

// DeleteProxy removes a proxy and all of its bindings in one transaction
func (s *Service) DeleteProxy(ctx context.Context, id string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM proxy_bindings WHERE proxy_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete proxy bindings: %w", err)
	}

	result, err := tx.Exec(ctx, `DELETE FROM proxies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete proxy: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrProxyNotFound
	}

	return tx.Commit(ctx)
}
