package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keyfleet/keyfleet/internal/bindings"
	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/keyfleet/keyfleet/internal/keys"
	"github.com/keyfleet/keyfleet/internal/logging"
	"github.com/keyfleet/keyfleet/internal/models"
	"github.com/keyfleet/keyfleet/internal/monitoring"
	"github.com/rs/zerolog"
)

// Service errors
var (
	ErrEmptyAPIKey = errors.New("api_key is required")
	ErrDuplicateID = errors.New("generated key id already exists")
)

// Service ingests externally provisioned provider keys: an upstream
// console pushes a fresh credential here, we register it and make it
// routable on the default proxy.
type Service struct {
	db       *pgxpool.Pool
	keys     *keys.Service
	bindings *bindings.Service
	cfg      *config.WebhookConfig
	log      zerolog.Logger
}

// NewService creates a new webhook ingest service
func NewService(db *pgxpool.Pool, keySvc *keys.Service, bindingSvc *bindings.Service, cfg *config.WebhookConfig) *Service {
	return &Service{
		db:       db,
		keys:     keySvc,
		bindings: bindingSvc,
		cfg:      cfg,
		log:      logging.NewLogger("ingest"),
	}
}

// RotateRequest is the webhook payload for a pushed credential
type RotateRequest struct {
	APIKey       string `json:"api_key" binding:"required"`
	ReplaceKeyID string `json:"replace_key_id"`
	Name         string `json:"name"`
}

// RotateResponse reports the ingest outcome. Secret is returned raw: the
// caller pushed it in this same request. Warning is set when the key was
// registered but could not be bound; the key is still usable once an
// operator binds it by hand.
type RotateResponse struct {
	KeyID       string          `json:"key_id"`
	Secret      string          `json:"secret"`
	ReplacedKey string          `json:"replaced_key,omitempty"`
	Binding     *models.Binding `json:"binding,omitempty"`
	Warning     string          `json:"warning,omitempty"`
}

// Rotate registers a pushed credential as a new healthy key bound to the
// default proxy, optionally retiring the key it replaces first. The
// replacement delete is best-effort: a missing replace target does not
// fail the ingest.
func (s *Service) Rotate(ctx context.Context, req *RotateRequest) (*RotateResponse, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return nil, ErrEmptyAPIKey
	}

	resp := &RotateResponse{}

	if req.ReplaceKeyID != "" {
		existed, err := s.keys.Delete(ctx, req.ReplaceKeyID)
		switch {
		case err != nil:
			// Best-effort: the replacement lands either way, the stale key
			// just lingers for a later delete.
			s.log.Error().Err(err).Str("key_id", req.ReplaceKeyID).Msg("Failed to delete replaced key, ingesting anyway")
			resp.Warning = fmt.Sprintf("failed to delete replaced key %q: %v", req.ReplaceKeyID, err)
		case existed:
			resp.ReplacedKey = req.ReplaceKeyID
		default:
			s.log.Warn().Str("key_id", req.ReplaceKeyID).Msg("Replace target not found, ingesting anyway")
		}
	}

	id := s.generateKeyID(req.Name, time.Now())
	key, err := s.keys.Create(ctx, id, req.APIKey)
	if err != nil {
		if errors.Is(err, keys.ErrDuplicateID) {
			// Timestamp plus random suffix collided; the caller can retry
			return nil, ErrDuplicateID
		}
		return nil, err
	}

	resp.KeyID = key.ID
	resp.Secret = key.Secret

	binding, err := s.bindings.Create(ctx, s.cfg.DefaultProxyID, key.ID, models.MinBindingPriority)
	if err != nil {
		// The key is registered either way; surface the gap instead of
		// failing the whole ingest.
		if resp.Warning != "" {
			resp.Warning += "; "
		}
		resp.Warning += fmt.Sprintf("key registered but binding to proxy %q failed: %v", s.cfg.DefaultProxyID, err)
		logging.LogWebhookIngest(key.ID, resp.ReplacedKey, resp.Warning)
		monitoring.RecordWebhookIngest("unbound")
		return resp, nil
	}

	resp.Binding = binding
	logging.LogWebhookIngest(key.ID, resp.ReplacedKey, "")
	monitoring.RecordWebhookIngest("bound")
	return resp, nil
}

// generateKeyID builds a unique key id from the caller-supplied name (or
// the configured prefix), the ingest timestamp, and a short random suffix.
func (s *Service) generateKeyID(name string, now time.Time) string {
	prefix := strings.TrimSpace(name)
	if prefix == "" {
		prefix = s.cfg.KeyIDPrefix
	}
	prefix = sanitizeIDPrefix(prefix)
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("%s-%d-%s", prefix, now.Unix(), suffix)
}

// sanitizeIDPrefix lowercases the prefix and collapses anything outside
// [a-z0-9-] to a dash so generated ids stay URL- and log-safe.
func sanitizeIDPrefix(prefix string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(prefix) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "key"
	}
	return out
}

// StatusKey is one key awaiting manual replacement
type StatusKey struct {
	KeyID     string     `json:"key_id"`
	Secret    string     `json:"secret"`
	LastError *string    `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used_at,omitempty"`
}

// StatusResponse lists keys that need refreshing
type StatusResponse struct {
	NeedRefresh []StatusKey `json:"need_refresh"`
	Count       int         `json:"count"`
}

// Status returns every key waiting on a replacement credential. Secrets
// are returned unmasked: the webhook caller is the provisioning system
// and needs the real value to know which upstream key to rotate.
func (s *Service) Status(ctx context.Context) (*StatusResponse, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, secret, last_error, created_at, last_used_at
		FROM api_keys
		WHERE status = $1
		ORDER BY created_at ASC
	`, models.KeyStatusNeedRefresh)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys needing refresh: %w", err)
	}
	defer rows.Close()

	resp := &StatusResponse{NeedRefresh: []StatusKey{}}
	for rows.Next() {
		var k StatusKey
		if err := rows.Scan(&k.KeyID, &k.Secret, &k.LastError, &k.CreatedAt, &k.LastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan key needing refresh: %w", err)
		}
		resp.NeedRefresh = append(resp.NeedRefresh, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys needing refresh: %w", err)
	}

	resp.Count = len(resp.NeedRefresh)
	return resp, nil
}
