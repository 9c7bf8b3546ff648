package domain

import (
	"time"

	"gorm.io/gorm"
)

// Principal is an authenticated identity scoped to exactly one tenant.
// TenantID is fixed at creation; rows are soft-deleted so that live sessions
// can still resolve their owner.
type Principal struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	TenantID     string         `gorm:"size:64;not null;uniqueIndex:idx_principals_tenant_email" json:"tenant_id"`
	Email        string         `gorm:"size:255;not null;uniqueIndex:idx_principals_tenant_email" json:"email"`
	PasswordHash string         `gorm:"size:255;not null" json:"-"`
	MFAEnabled   bool           `gorm:"not null;default:false" json:"mfa_enabled"`
	RolesVersion uint64         `gorm:"not null;default:0" json:"-"`
	Roles        []Role         `gorm:"many2many:principal_roles" json:"roles,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

// Role is an immutable bundle of permissions defined per tenant. An empty
// TenantID marks a global role available to every tenant.
type Role struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	TenantID    string       `gorm:"size:64;index;uniqueIndex:idx_roles_tenant_name" json:"tenant_id"`
	Name        string       `gorm:"size:64;not null;uniqueIndex:idx_roles_tenant_name" json:"name"`
	Description string       `gorm:"size:255" json:"description"`
	Permissions []Permission `gorm:"many2many:role_permissions" json:"permissions,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Permission is an opaque namespaced capability token of the form
// module:resource:action. Shape is validated at definition time; authorization
// checks treat the value as an equality-matched string.
type Permission struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:128;uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
