package bindings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keyfleet/keyfleet/internal/logging"
	"github.com/keyfleet/keyfleet/internal/models"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Service errors
var (
	ErrBindingNotFound  = errors.New("binding not found")
	ErrKeyNotFound      = errors.New("key not found")
	ErrProxyNotFound    = errors.New("proxy not found")
	ErrDuplicateBinding = errors.New("binding already exists for this proxy/key pair")
	ErrInvalidPriority  = errors.New("priority must be between 1 and 10")
)

// Service handles the proxy/key binding table. Its read path is also where
// orphan detection and repair happen (see List).
type Service struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewService creates a new binding table service
func NewService(db *pgxpool.Pool) *Service {
	return &Service{
		db:  db,
		log: logging.NewLogger("bindings"),
	}
}

// UpdateBindingRequest carries the optional fields of a binding update
type UpdateBindingRequest struct {
	Priority *int  `json:"priority,omitempty"`
	IsActive *bool `json:"is_active,omitempty"`
}

// AnnotatedBinding is a binding decorated at read time with the owning
// proxy's display name and the key's current status and usage
type AnnotatedBinding struct {
	ProxyID    string           `json:"proxy_id"`
	ProxyName  string           `json:"proxy_name"`
	KeyID      string           `json:"key_id"`
	KeyStatus  models.KeyStatus `json:"key_status"`
	KeySpend   decimal.Decimal  `json:"key_spend"`
	LastUsedAt *time.Time       `json:"last_used_at,omitempty"`
	Priority   int              `json:"priority"`
	IsActive   bool             `json:"is_active"`
	CreatedAt  time.Time        `json:"created_at"`
}

// ListBindingsResponse represents the response for listing all bindings
type ListBindingsResponse struct {
	Bindings []AnnotatedBinding `json:"bindings"`
	Total    int                `json:"total"`
}

// RouterKey is one entry of the router's per-proxy key selection list
type RouterKey struct {
	KeyID    string           `json:"key_id"`
	Secret   string           `json:"secret"`
	Status   models.KeyStatus `json:"status"`
	Priority int              `json:"priority"`
}

// Create inserts a binding after checking the referenced key exists. Key
// existence is a write-time invariant; the reconciler only heals breakage
// introduced by deletion.
func (s *Service) Create(ctx context.Context, proxyID, keyID string, priority int) (*models.Binding, error) {
	if priority < models.MinBindingPriority || priority > models.MaxBindingPriority {
		return nil, ErrInvalidPriority
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists string
	err = tx.QueryRow(ctx, `
		SELECT id FROM proxies WHERE id = $1
	`, proxyID).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProxyNotFound
		}
		return nil, fmt.Errorf("failed to check proxy existence: %w", err)
	}

	err = tx.QueryRow(ctx, `
		SELECT id FROM api_keys WHERE id = $1
	`, keyID).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to check key existence: %w", err)
	}

	var binding models.Binding
	err = tx.QueryRow(ctx, `
		INSERT INTO proxy_bindings (proxy_id, key_id, priority, is_active)
		VALUES ($1, $2, $3, true)
		ON CONFLICT (proxy_id, key_id) DO NOTHING
		RETURNING proxy_id, key_id, priority, is_active, created_at
	`, proxyID, keyID, priority).Scan(
		&binding.ProxyID, &binding.KeyID, &binding.Priority, &binding.IsActive, &binding.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDuplicateBinding
		}
		return nil, fmt.Errorf("failed to create binding: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &binding, nil
}

// Update changes a binding's priority and/or active flag
func (s *Service) Update(ctx context.Context, proxyID, keyID string, req *UpdateBindingRequest) (*models.Binding, error) {
	if req.Priority != nil && (*req.Priority < models.MinBindingPriority || *req.Priority > models.MaxBindingPriority) {
		return nil, ErrInvalidPriority
	}

	var binding models.Binding
	err := s.db.QueryRow(ctx, `
		UPDATE proxy_bindings
		SET priority = COALESCE($3, priority), is_active = COALESCE($4, is_active)
		WHERE proxy_id = $1 AND key_id = $2
		RETURNING proxy_id, key_id, priority, is_active, created_at
	`, proxyID, keyID, req.Priority, req.IsActive).Scan(
		&binding.ProxyID, &binding.KeyID, &binding.Priority, &binding.IsActive, &binding.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBindingNotFound
		}
		return nil, fmt.Errorf("failed to update binding: %w", err)
	}

	return &binding, nil
}

// Delete removes a single binding
func (s *Service) Delete(ctx context.Context, proxyID, keyID string) error {
	result, err := s.db.Exec(ctx, `
		DELETE FROM proxy_bindings WHERE proxy_id = $1 AND key_id = $2
	`, proxyID, keyID)
	if err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrBindingNotFound
	}
	return nil
}

// DeleteAllForProxy removes every binding on a proxy, returning the count
func (s *Service) DeleteAllForProxy(ctx context.Context, proxyID string) (int64, error) {
	result, err := s.db.Exec(ctx, `
		DELETE FROM proxy_bindings WHERE proxy_id = $1
	`, proxyID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete proxy bindings: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListForProxy returns a proxy's bindings in ascending priority order, the
// selection order the router honors
func (s *Service) ListForProxy(ctx context.Context, proxyID string) ([]models.Binding, error) {
	rows, err := s.db.Query(ctx, `
		SELECT proxy_id, key_id, priority, is_active, created_at
		FROM proxy_bindings
		WHERE proxy_id = $1
		ORDER BY priority ASC, created_at ASC
	`, proxyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list proxy bindings: %w", err)
	}
	defer rows.Close()

	var out []models.Binding
	for rows.Next() {
		var b models.Binding
		if err := rows.Scan(&b.ProxyID, &b.KeyID, &b.Priority, &b.IsActive, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		out = append(out, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bindings: %w", err)
	}

	return out, nil
}

// List returns all bindings annotated with proxy names and key status. When
// the annotation step finds at least one orphan, a repair pass runs
// synchronously and the post-repair state is returned, so callers never
// observe a dangling reference. If the repair itself fails, the pre-repair
// list is returned rather than an error.
func (s *Service) List(ctx context.Context) (*ListBindingsResponse, error) {
	annotated, orphans, err := s.listAnnotated(ctx)
	if err != nil {
		return nil, err
	}

	if orphans > 0 {
		if _, rerr := s.Repair(ctx, "list"); rerr != nil {
			s.log.Error().Err(rerr).Int("orphans", orphans).Msg("Auto-repair on read failed, returning pre-repair list")
			return &ListBindingsResponse{Bindings: annotated, Total: len(annotated)}, nil
		}
		annotated, _, err = s.listAnnotated(ctx)
		if err != nil {
			return nil, err
		}
	}

	return &ListBindingsResponse{Bindings: annotated, Total: len(annotated)}, nil
}

// listAnnotated fetches all bindings with their annotations and counts rows
// whose key no longer exists
func (s *Service) listAnnotated(ctx context.Context) ([]AnnotatedBinding, int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT b.proxy_id, COALESCE(p.name, b.proxy_id), b.key_id,
		       k.status, k.total_spend, k.last_used_at,
		       b.priority, b.is_active, b.created_at
		FROM proxy_bindings b
		LEFT JOIN proxies p ON p.id = b.proxy_id
		LEFT JOIN api_keys k ON k.id = b.key_id
		ORDER BY b.proxy_id, b.priority ASC
	`)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list bindings: %w", err)
	}
	defer rows.Close()

	var annotated []AnnotatedBinding
	orphans := 0
	for rows.Next() {
		var ab AnnotatedBinding
		var status *models.KeyStatus
		var spend *decimal.Decimal
		err := rows.Scan(
			&ab.ProxyID, &ab.ProxyName, &ab.KeyID,
			&status, &spend, &ab.LastUsedAt,
			&ab.Priority, &ab.IsActive, &ab.CreatedAt,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan binding: %w", err)
		}
		if status == nil {
			// Key row missing: orphaned binding
			orphans++
		} else {
			ab.KeyStatus = *status
			ab.KeySpend = *spend
		}
		annotated = append(annotated, ab)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating bindings: %w", err)
	}

	return annotated, orphans, nil
}

// RouterView returns the ordered, active bindings of a proxy together with
// each key's secret and status. This is the read-only contract the external
// router consumes. The inner join drops orphans; a non-healthy status tells
// the router the key is unusable without further lookups. Reads plain
// committed state and never waits on an in-flight rotation.
func (s *Service) RouterView(ctx context.Context, proxyID string) ([]RouterKey, error) {
	rows, err := s.db.Query(ctx, `
		SELECT b.key_id, k.secret, k.status, b.priority
		FROM proxy_bindings b
		JOIN api_keys k ON k.id = b.key_id
		WHERE b.proxy_id = $1 AND b.is_active
		ORDER BY b.priority ASC, b.created_at ASC
	`, proxyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query router view: %w", err)
	}
	defer rows.Close()

	var out []RouterKey
	for rows.Next() {
		var rk RouterKey
		if err := rows.Scan(&rk.KeyID, &rk.Secret, &rk.Status, &rk.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan router key: %w", err)
		}
		out = append(out, rk)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating router view: %w", err)
	}

	return out, nil
}
