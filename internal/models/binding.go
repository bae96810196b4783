package models

import "time"

// Binding priority bounds. Lower numbers are tried first by the router.
const (
	MinBindingPriority = 1
	MaxBindingPriority = 10
)

// Binding assigns a key to a proxy with a selection priority.
// The (ProxyID, KeyID) pair is unique; KeyID is a weak reference that the
// reconciler re-validates whenever a key disappears.
type Binding struct {
	ProxyID   string    `json:"proxy_id" db:"proxy_id"`
	KeyID     string    `json:"key_id" db:"key_id"`
	Priority  int       `json:"priority" db:"priority"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Proxy represents an outbound proxy endpoint that traffic is routed through
type Proxy struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Endpoint  string    `json:"endpoint" db:"endpoint"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
