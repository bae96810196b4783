package models

import "time"

// BackupKey represents a reserve credential held for rotation.
// A used backup must carry both UsedAt and UsedFor; it is purged by the
// retention sweep once used_at + retention window has passed.
type BackupKey struct {
	ID        string     `json:"id" db:"id"`
	Secret    string     `json:"-" db:"secret"`
	IsUsed    bool       `json:"is_used" db:"is_used"`
	Activated bool       `json:"activated" db:"activated"`
	UsedFor   *string    `json:"used_for,omitempty" db:"used_for"`
	UsedAt    *time.Time `json:"used_at,omitempty" db:"used_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// DeletesAt returns the instant the retention sweep may purge this backup.
// Zero time means the backup is idle and not scheduled for deletion.
func (b *BackupKey) DeletesAt(retention time.Duration) time.Time {
	if !b.IsUsed || b.UsedAt == nil {
		return time.Time{}
	}
	return b.UsedAt.Add(retention)
}
