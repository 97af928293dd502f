package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"pipecrm.org/internal/auth"
	"pipecrm.org/internal/ids"
	"pipecrm.org/internal/notify"
	"pipecrm.org/internal/revocation"
	"pipecrm.org/internal/session"
	"pipecrm.org/internal/throttle"
	"pipecrm.org/internal/verify"
)

// memStore is an in-memory auth.Store for handler tests.
type memStore struct {
	mu          sync.Mutex
	identities  map[string]*auth.Identity
	roles       map[string]*auth.Role
	assignments map[string][]auth.Assignment
	rolePerms   map[string][]auth.Permission
	catalog     []auth.Permission
}

func newMemStore() *memStore {
	return &memStore{
		identities:  map[string]*auth.Identity{},
		roles:       map[string]*auth.Role{},
		assignments: map[string][]auth.Assignment{},
		rolePerms:   map[string][]auth.Permission{},
	}
}

func (m *memStore) Identities() auth.IdentityStore    { return memIdentities{m} }
func (m *memStore) Roles() auth.RoleStore             { return memRoles{m} }
func (m *memStore) Permissions() auth.PermissionStore { return memPerms{m} }

type memIdentities struct{ m *memStore }

func (s memIdentities) Create(_ context.Context, id *auth.Identity) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.identities {
		if existing.Email == id.Email || (id.Phone != "" && existing.Phone == id.Phone) {
			return auth.ErrAlreadyExists
		}
	}
	if id.ID == "" {
		id.ID = ids.New()
	}
	cp := *id
	s.m.identities[id.ID] = &cp
	return nil
}

func (s memIdentities) Find(_ context.Context, id string) (*auth.Identity, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	ident, ok := s.m.identities[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *ident
	return &cp, nil
}

func (s memIdentities) FindByEmail(_ context.Context, email string) (*auth.Identity, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, ident := range s.m.identities {
		if ident.Email == email {
			cp := *ident
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s memIdentities) ExistsByEmailOrPhone(_ context.Context, email, phone string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, ident := range s.m.identities {
		if ident.Email == email || (phone != "" && ident.Phone == phone) {
			return true, nil
		}
	}
	return false, nil
}

func (s memIdentities) Update(_ context.Context, id string, upd auth.IdentityUpdate) (*auth.Identity, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	ident, ok := s.m.identities[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if upd.Name != nil {
		ident.Name = *upd.Name
	}
	if upd.Email != nil {
		ident.Email = *upd.Email
	}
	if upd.Phone != nil {
		ident.Phone = *upd.Phone
	}
	if upd.Password != nil {
		ident.PasswordHash = *upd.Password
	}
	if upd.Status != nil {
		ident.Status = *upd.Status
	}
	cp := *ident
	return &cp, nil
}

func (s memIdentities) SetEmailVerified(_ context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	ident, ok := s.m.identities[id]
	if !ok {
		return auth.ErrNotFound
	}
	ident.EmailVerified = true
	return nil
}

func (s memIdentities) SetPhoneVerified(_ context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	ident, ok := s.m.identities[id]
	if !ok {
		return auth.ErrNotFound
	}
	ident.PhoneVerified = true
	return nil
}

func (s memIdentities) SoftDelete(_ context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	ident, ok := s.m.identities[id]
	if !ok {
		return auth.ErrNotFound
	}
	ident.Deleted = true
	return nil
}

type memRoles struct{ m *memStore }

func (s memRoles) Create(_ context.Context, role *auth.Role) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.roles {
		if existing.Name == role.Name {
			return auth.ErrAlreadyExists
		}
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	cp := *role
	s.m.roles[role.ID] = &cp
	return nil
}

func (s memRoles) Find(_ context.Context, id string) (*auth.Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	role, ok := s.m.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *role
	return &cp, nil
}

func (s memRoles) FindByName(_ context.Context, name string) (*auth.Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, role := range s.m.roles {
		if role.Name == name {
			cp := *role
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s memRoles) List(_ context.Context) ([]*auth.Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*auth.Role
	for _, role := range s.m.roles {
		cp := *role
		out = append(out, &cp)
	}
	return out, nil
}

func (s memRoles) Assign(_ context.Context, a auth.Assignment) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.assignments[a.IdentityID] = append(s.m.assignments[a.IdentityID], a)
	return nil
}

func (s memRoles) Unassign(_ context.Context, identityID, roleID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	list := s.m.assignments[identityID]
	for i, a := range list {
		if a.RoleID == roleID {
			s.m.assignments[identityID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return auth.ErrNotFound
}

func (s memRoles) Assignments(_ context.Context, identityID string) ([]auth.Assignment, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return append([]auth.Assignment(nil), s.m.assignments[identityID]...), nil
}

type memPerms struct{ m *memStore }

func (s memPerms) Ensure(_ context.Context, perms []auth.Permission) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.catalog = append([]auth.Permission(nil), perms...)
	return nil
}

func (s memPerms) List(_ context.Context) ([]auth.Permission, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return append([]auth.Permission(nil), s.m.catalog...), nil
}

func (s memPerms) SetForRole(_ context.Context, roleID string, keys []string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	list := make([]auth.Permission, 0, len(keys))
	for _, k := range keys {
		list = append(list, auth.Permission{Key: k})
	}
	s.m.rolePerms[roleID] = list
	return nil
}

func (s memPerms) ForRole(_ context.Context, roleID string) ([]auth.Permission, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return append([]auth.Permission(nil), s.m.rolePerms[roleID]...), nil
}

type capturingNotifier struct {
	mu    sync.Mutex
	codes map[string]string
}

func (n *capturingNotifier) SendVerificationCode(_ context.Context, identity *auth.Identity, _ string, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.codes[identity.Email] = code
	return nil
}

func (n *capturingNotifier) code(email string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.codes[email]
}

type testAPI struct {
	api      *API
	handler  http.Handler
	store    *memStore
	notifier *capturingNotifier
	sessions *session.Service
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newMemStore()
	issuer, err := auth.NewIssuer("pipecrm", "access-secret", "refresh-secret", time.Hour, 14*24*time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	resolver, err := auth.NewResolver(store)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	notifier := &capturingNotifier{codes: map[string]string{}}
	rev := revocation.New(client)
	sessions, err := session.NewService(
		store,
		issuer,
		resolver,
		rev,
		throttle.New(client, 15*time.Minute, 5),
		verify.New(client, 10*time.Minute),
		session.WithNotifier(notifier),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := sessions.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}

	api := New(Config{
		Sessions:  sessions,
		Store:     store,
		Issuer:    issuer,
		Resolver:  resolver,
		Blacklist: rev,
		Registry:  notify.NewRegistry(),
		Version:   "test",
		DevMode:   true,
	})
	return &testAPI{
		api:      api,
		handler:  api.withAuth(api.mux),
		store:    store,
		notifier: notifier,
		sessions: sessions,
	}
}

func (ta *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.0.0.1:1234"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ta.handler.ServeHTTP(rr, req)
	return rr
}

// registerVerified provisions a verified account through the public endpoints.
func (ta *testAPI) registerVerified(t *testing.T, email string) {
	t.Helper()
	rr := ta.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"name":     "Jo Tester",
		"email":    email,
		"password": "hunter2hunter2",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d (%s)", rr.Code, rr.Body.String())
	}
	code := ta.notifier.code(email)
	if code == "" {
		t.Fatalf("no verification code captured for %s", email)
	}
	rr = ta.do(t, http.MethodPost, "/v1/auth/verify-email", "", map[string]any{
		"email": email,
		"code":  code,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("verify-email: expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
}

// login returns the decoded login response for a verified account.
func (ta *testAPI) login(t *testing.T, email string) map[string]any {
	t.Helper()
	rr := ta.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": "hunter2hunter2",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return body
}

// promoteToAdmin assigns the admin role with full management permissions.
func (ta *testAPI) promoteToAdmin(t *testing.T, identityID string) {
	t.Helper()
	ctx := context.Background()
	role, err := ta.store.Roles().FindByName(ctx, auth.RoleAdmin)
	if err != nil {
		t.Fatalf("admin role missing: %v", err)
	}
	keys := make([]string, 0, len(auth.BuiltinPermissions))
	for _, p := range auth.BuiltinPermissions {
		keys = append(keys, p.Key)
	}
	if err := ta.store.Permissions().SetForRole(ctx, role.ID, keys); err != nil {
		t.Fatalf("SetForRole: %v", err)
	}
	if err := ta.store.Roles().Assign(ctx, auth.Assignment{IdentityID: identityID, RoleID: role.ID}); err != nil {
		t.Fatalf("Assign: %v", err)
	}
}

func (ta *testAPI) identityID(t *testing.T, email string) string {
	t.Helper()
	ident, err := ta.store.Identities().FindByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	return ident.ID
}
