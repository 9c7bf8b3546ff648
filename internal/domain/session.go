package domain

import "time"

// RefreshSession is one link of a refresh-token rotation chain. All sessions
// minted from the same login share FamilyID; ParentTokenID points at the
// rotated-out predecessor. At most one row per family is active at a time.
type RefreshSession struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	PrincipalID      uint       `gorm:"index;not null" json:"principal_id"`
	RefreshTokenHash string     `gorm:"size:128;uniqueIndex;not null" json:"-"`
	TokenID          string     `gorm:"size:64;uniqueIndex;not null" json:"-"`
	FamilyID         string     `gorm:"size:64;index;not null" json:"-"`
	ParentTokenID    *string    `gorm:"size:64;index" json:"-"`
	UserAgent        string     `gorm:"size:512" json:"user_agent"`
	IP               string     `gorm:"size:64" json:"ip"`
	ExpiresAt        time.Time  `gorm:"index;not null" json:"expires_at"`
	RevokedAt        *time.Time `gorm:"index" json:"revoked_at,omitempty"`
	RevokedReason    *string    `gorm:"size:64" json:"revoked_reason,omitempty"`
	ReuseDetectedAt  *time.Time `gorm:"index" json:"reuse_detected_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Active reports whether the session can still be presented for rotation.
func (s *RefreshSession) Active(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}
