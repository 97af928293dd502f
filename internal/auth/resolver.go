package auth

import (
	"context"
	"errors"
	"fmt"
)

// Principal is an identity with its resolved role and permission sets.
type Principal struct {
	Identity    *Identity
	Roles       []string
	Permissions map[string]struct{}
}

// HasRole reports whether the principal holds the named role.
func (p Principal) HasRole(name string) bool {
	for _, r := range p.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// HasPermission reports whether the principal holds the named permission.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}

// HasAnyRole reports whether the role sets intersect.
func (p Principal) HasAnyRole(names ...string) bool {
	for _, n := range names {
		if p.HasRole(n) {
			return true
		}
	}
	return false
}

// HasAnyPermission reports whether the permission sets intersect.
func (p Principal) HasAnyPermission(keys ...string) bool {
	for _, k := range keys {
		if p.HasPermission(k) {
			return true
		}
	}
	return false
}

// Resolver flattens an identity's role assignments into an
// authorization-ready principal. Resolution happens at request time so role
// edits take effect on the next request without re-login.
type Resolver struct {
	store Store
}

// NewResolver constructs a Resolver over the given store.
func NewResolver(store Store) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &Resolver{store: store}, nil
}

// Resolve loads the identity's 0..N roles and flattens their permissions.
// An identity with no explicit role falls back to the customer role.
func (r *Resolver) Resolve(ctx context.Context, identity *Identity) (Principal, error) {
	if identity == nil {
		return Principal{}, fmt.Errorf("%w: identity is required", ErrInvalidInput)
	}
	roles := r.store.Roles()
	perms := r.store.Permissions()

	assignments, err := roles.Assignments(ctx, identity.ID)
	if err != nil {
		return Principal{}, err
	}

	roleIDs := make([]string, 0, len(assignments))
	for _, a := range assignments {
		roleIDs = append(roleIDs, a.RoleID)
	}
	if len(roleIDs) == 0 {
		fallback, err := roles.FindByName(ctx, RoleCustomer)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Principal{Identity: identity, Roles: []string{RoleCustomer}, Permissions: map[string]struct{}{}}, nil
			}
			return Principal{}, err
		}
		roleIDs = append(roleIDs, fallback.ID)
	}

	names := make([]string, 0, len(roleIDs))
	permSet := make(map[string]struct{})
	for _, roleID := range roleIDs {
		role, err := roles.Find(ctx, roleID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Assignment pointing at a removed role; skip it.
				continue
			}
			return Principal{}, err
		}
		names = append(names, role.Name)
		list, err := perms.ForRole(ctx, roleID)
		if err != nil {
			return Principal{}, err
		}
		for _, p := range list {
			permSet[p.Key] = struct{}{}
		}
	}
	if len(names) == 0 {
		names = []string{RoleCustomer}
	}
	return Principal{Identity: identity, Roles: NormalizeRoles(names), Permissions: permSet}, nil
}

// ResolveByID loads the identity first, rejecting soft-deleted records, then
// resolves it.
func (r *Resolver) ResolveByID(ctx context.Context, identityID string) (Principal, error) {
	identity, err := r.store.Identities().Find(ctx, identityID)
	if err != nil {
		return Principal{}, err
	}
	if identity.Deleted {
		return Principal{}, ErrNotFound
	}
	return r.Resolve(ctx, identity)
}
