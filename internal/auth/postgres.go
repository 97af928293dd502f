package auth

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"pipecrm.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Identities() IdentityStore    { return &identityStore{db: s.db} }
func (s *PGStore) Roles() RoleStore             { return &roleStore{db: s.db} }
func (s *PGStore) Permissions() PermissionStore { return &permissionStore{db: s.db} }

// Identity store ------------------------------------------------------------
type identityStore struct{ db *sql.DB }

const identityColumns = `id, organization_id, name, email, phone, password_hash, status,
	email_verified, phone_verified, deleted, deleted_at, created_at, updated_at`

func (s *identityStore) Create(ctx context.Context, id *Identity) error {
	if id.ID == "" {
		id.ID = ids.New()
	}
	if id.Status == "" {
		id.Status = StatusActive
	}
	_, err := s.db.ExecContext(ctx,
		`insert into identities(id, organization_id, name, email, phone, password_hash, status)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		id.ID, id.OrganizationID, id.Name, strings.ToLower(id.Email), id.Phone, id.PasswordHash, id.Status,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *identityStore) Find(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where id=$1`, id)
	return scanIdentity(row)
}

func (s *identityStore) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where email=$1`, strings.ToLower(email))
	return scanIdentity(row)
}

func (s *identityStore) ExistsByEmailOrPhone(ctx context.Context, email, phone string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`select count(1) from identities where email=$1 or (phone <> '' and phone=$2)`,
		strings.ToLower(email), phone)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *identityStore) Update(ctx context.Context, id string, upd IdentityUpdate) (*Identity, error) {
	sets := make([]string, 0, 5)
	args := make([]any, 0, 6)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+"=$"+strconv.Itoa(len(args)))
	}
	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.Email != nil {
		add("email", strings.ToLower(*upd.Email))
	}
	if upd.Phone != nil {
		add("phone", *upd.Phone)
	}
	if upd.Password != nil {
		add("password_hash", *upd.Password)
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if len(sets) == 0 {
		return s.Find(ctx, id)
	}
	add("updated_at", time.Now().UTC())
	args = append(args, id)
	query := `update identities set ` + strings.Join(sets, ", ") + ` where id=$` + strconv.Itoa(len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}
	return s.Find(ctx, id)
}

func (s *identityStore) SetEmailVerified(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, "email_verified")
}

func (s *identityStore) SetPhoneVerified(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, "phone_verified")
}

func (s *identityStore) setFlag(ctx context.Context, id, column string) error {
	res, err := s.db.ExecContext(ctx,
		`update identities set `+column+`=true, updated_at=now() where id=$1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *identityStore) SoftDelete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update identities set deleted=true, deleted_at=now(), updated_at=now() where id=$1 and deleted=false`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanIdentity(row *sql.Row) (*Identity, error) {
	var (
		ident     Identity
		deletedAt sql.NullTime
	)
	err := row.Scan(
		&ident.ID, &ident.OrganizationID, &ident.Name, &ident.Email, &ident.Phone,
		&ident.PasswordHash, &ident.Status, &ident.EmailVerified, &ident.PhoneVerified,
		&ident.Deleted, &deletedAt, &ident.CreatedAt, &ident.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		ident.DeletedAt = &t
	}
	return &ident, nil
}

// Role store ----------------------------------------------------------------
type roleStore struct{ db *sql.DB }

func (s *roleStore) Create(ctx context.Context, role *Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into roles(id, name, description) values($1,$2,$3)`,
		role.ID, strings.ToLower(role.Name), role.Description,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *roleStore) Find(ctx context.Context, id string) (*Role, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, description, created_at, updated_at from roles where id=$1`, id)
	return scanRole(row)
}

func (s *roleStore) FindByName(ctx context.Context, name string) (*Role, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, description, created_at, updated_at from roles where name=$1`,
		strings.ToLower(name))
	return scanRole(row)
}

func (s *roleStore) List(ctx context.Context) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, name, description, created_at, updated_at from roles order by name asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, &role)
	}
	return res, rows.Err()
}

func (s *roleStore) Assign(ctx context.Context, a Assignment) error {
	_, err := s.db.ExecContext(ctx,
		`insert into identity_roles(identity_id, role_id) values($1,$2)
		 on conflict (identity_id, role_id) do nothing`,
		a.IdentityID, a.RoleID,
	)
	return err
}

func (s *roleStore) Unassign(ctx context.Context, identityID, roleID string) error {
	res, err := s.db.ExecContext(ctx,
		`delete from identity_roles where identity_id=$1 and role_id=$2`, identityID, roleID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *roleStore) Assignments(ctx context.Context, identityID string) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`select identity_id, role_id, created_at from identity_roles where identity_id=$1`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.IdentityID, &a.RoleID, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func scanRole(row *sql.Row) (*Role, error) {
	var role Role
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &role, nil
}

// Permission store ----------------------------------------------------------
type permissionStore struct{ db *sql.DB }

func (s *permissionStore) Ensure(ctx context.Context, perms []Permission) error {
	for _, p := range perms {
		id := p.ID
		if id == "" {
			id = ids.New()
		}
		_, err := s.db.ExecContext(ctx,
			`insert into permissions(id, key, description, category) values($1,$2,$3,$4)
			 on conflict (key) do nothing`,
			id, p.Key, p.Description, p.Category,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *permissionStore) List(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, key, description, category, created_at from permissions order by key asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Key, &p.Description, &p.Category, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *permissionStore) SetForRole(ctx context.Context, roleID string, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id=$1`, roleID); err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx,
			`insert into role_permissions(role_id, permission_id)
			 select $1, id from permissions where key=$2`,
			roleID, key,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *permissionStore) ForRole(ctx context.Context, roleID string) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`select p.id, p.key, p.description, p.category, p.created_at
		 from permissions p
		 join role_permissions rp on rp.permission_id = p.id
		 where rp.role_id=$1
		 order by p.key asc`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Key, &p.Description, &p.Category, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// helpers -------------------------------------------------------------------

func isUniqueViolation(err error) bool {
	// pgx wraps server errors; SQLSTATE 23505 is unique_violation.
	return err != nil && strings.Contains(err.Error(), "23505")
}
