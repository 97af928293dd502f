package auth

// Role names with built-in meaning.
const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
)

// Permission keys checked by the permission gate.
const (
	PermManageRoles       = "manage_roles"
	PermManageUsers       = "manage_users"
	PermManagePermissions = "manage_permissions"
	PermViewReports       = "view_reports"
)

// BuiltinPermissions are ensured at startup so role editing never references
// a missing key.
var BuiltinPermissions = []Permission{
	{Key: PermManageRoles, Description: "Create roles and edit their permission sets", Category: "rbac"},
	{Key: PermManageUsers, Description: "Manage identities and role assignments", Category: "rbac"},
	{Key: PermManagePermissions, Description: "Edit the permission catalog", Category: "rbac"},
	{Key: PermViewReports, Description: "Read reporting endpoints", Category: "reporting"},
}
