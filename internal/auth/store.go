package auth

import "context"

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Identities() IdentityStore
	Roles() RoleStore
	Permissions() PermissionStore
}

// IdentityStore manages identity records.
type IdentityStore interface {
	Create(ctx context.Context, id *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	ExistsByEmailOrPhone(ctx context.Context, email, phone string) (bool, error)
	Update(ctx context.Context, id string, upd IdentityUpdate) (*Identity, error)
	SetEmailVerified(ctx context.Context, id string) error
	SetPhoneVerified(ctx context.Context, id string) error
	SoftDelete(ctx context.Context, id string) error
}

// RoleStore manages roles and role assignments.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	Assign(ctx context.Context, a Assignment) error
	Unassign(ctx context.Context, identityID, roleID string) error
	Assignments(ctx context.Context, identityID string) ([]Assignment, error)
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
	SetForRole(ctx context.Context, roleID string, keys []string) error
	ForRole(ctx context.Context, roleID string) ([]Permission, error)
}
