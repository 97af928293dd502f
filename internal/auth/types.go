package auth

import "time"

// Identity statuses. Banned and suspended identities keep their records but
// cannot authenticate.
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
	StatusBanned    = "banned"
)

// Identity represents a person or service account in a tenant organization.
// The password hash is write-only from the API surface and never serialized.
type Identity struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Name           string     `json:"name"`
	Email          string     `json:"email"`
	Phone          string     `json:"phone"`
	PasswordHash   string     `json:"-"`
	Status         string     `json:"status"`
	EmailVerified  bool       `json:"email_verified"`
	PhoneVerified  bool       `json:"phone_verified"`
	Deleted        bool       `json:"-"`
	DeletedAt      *time.Time `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CanLogin reports whether the identity may start a session. Verification is
// checked separately so the caller can return a distinct error.
func (i *Identity) CanLogin() bool {
	return !i.Deleted && i.Status == StatusActive
}

// Organization is the tenant boundary.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Role groups permissions under a globally unique name.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is the atomic capability checked by the permission gate.
type Permission struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Description string    `json:"description"`
	Category    string    `json:"category,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Assignment links an identity to a role. An identity holds 0..N roles; an
// empty set resolves to the default customer role.
type Assignment struct {
	IdentityID string    `json:"identity_id"`
	RoleID     string    `json:"role_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// IdentityUpdate describes a partial profile update. Nil fields are left
// untouched.
type IdentityUpdate struct {
	Name     *string
	Email    *string
	Phone    *string
	Password *string
	Status   *string
}
