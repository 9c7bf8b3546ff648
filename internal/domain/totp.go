package domain

import "time"

// TotpCredential holds a principal's shared TOTP secret and its usage ledger.
// LastUsedStep only ever moves forward; a verification matching a step at or
// below it is a replay. ConfirmedAt is set by the first successful verify,
// which is also the moment MFA becomes enforced for the principal.
type TotpCredential struct {
	PrincipalID  uint       `gorm:"primaryKey" json:"principal_id"`
	Secret       string     `gorm:"size:64;not null" json:"-"`
	LastUsedStep int64      `gorm:"not null;default:-1" json:"-"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Confirmed reports whether enrollment was completed by a successful verify.
func (c *TotpCredential) Confirmed() bool { return c.ConfirmedAt != nil }
