package domain

import "time"

// PasswordResetToken is a single-use credential-recovery grant. Only the
// SHA-256 of the opaque token is stored. Issuing a new token supersedes any
// outstanding unconsumed one, so at most one live grant exists per principal.
type PasswordResetToken struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	PrincipalID  uint       `gorm:"index;not null" json:"principal_id"`
	TokenHash    string     `gorm:"size:128;uniqueIndex;not null" json:"-"`
	IssuedAt     time.Time  `gorm:"not null" json:"issued_at"`
	ExpiresAt    time.Time  `gorm:"index;not null" json:"expires_at"`
	ConsumedAt   *time.Time `json:"consumed_at,omitempty"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}
