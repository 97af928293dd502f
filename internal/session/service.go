// Package session orchestrates the identity lifecycle: register, verify,
// login, refresh and logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pipecrm.org/internal/auth"
	"pipecrm.org/internal/obs"
	"pipecrm.org/internal/throttle"
	"pipecrm.org/internal/verify"
)

var (
	// ErrInvalidCredentials is returned for unknown accounts and wrong
	// passwords alike, so responses cannot be used for account enumeration.
	ErrInvalidCredentials = errors.New("session: invalid credentials")

	// ErrNotVerified refuses login until the email address is confirmed.
	ErrNotVerified = errors.New("session: email not verified")

	// ErrInvalidRefreshToken forces a full re-login.
	ErrInvalidRefreshToken = errors.New("session: invalid or expired refresh token")
)

// RevocationStore is the slice of the revocation cache the controller needs.
type RevocationStore interface {
	Blacklist(ctx context.Context, subjectID, token string, ttl time.Duration) error
	StoreRefresh(ctx context.Context, subjectID, token string, ttl time.Duration) error
	MatchRefresh(ctx context.Context, subjectID, token string) (bool, error)
	RevokeRefresh(ctx context.Context, subjectID string) error
}

// LoginThrottle bounds brute-force attempts per client address.
type LoginThrottle interface {
	Allow(ctx context.Context, addr string) error
	Record(ctx context.Context, addr string) error
	Reset(ctx context.Context, addr string) error
}

// CodeStore issues and consumes one-time verification codes.
type CodeStore interface {
	Issue(ctx context.Context, identityID, channel string) (string, error)
	Consume(ctx context.Context, identityID, channel, code string) error
}

// Notifier delivers verification codes out of band. Delivery mechanics are
// outside this subsystem.
type Notifier interface {
	SendVerificationCode(ctx context.Context, identity *auth.Identity, channel, code string) error
}

// LogNotifier is the default Notifier: it only logs that a code was issued.
type LogNotifier struct{}

func (LogNotifier) SendVerificationCode(_ context.Context, identity *auth.Identity, channel, _ string) error {
	obs.Info("verification code issued", map[string]any{
		"identity_id": identity.ID,
		"channel":     channel,
	})
	return nil
}

// TokenPair carries freshly minted credentials. Remember reports whether the
// session was opened with remember-me, so the transport can reissue the
// refresh cookie with matching persistence on rotation.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	Remember         bool
}

// Service is the session lifecycle controller.
type Service struct {
	store      auth.Store
	issuer     *auth.Issuer
	resolver   *auth.Resolver
	revocation RevocationStore
	throttle   LoginThrottle
	codes      CodeStore
	notifier   Notifier
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithNotifier overrides the out-of-band code notifier.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// NewService wires the lifecycle controller.
func NewService(store auth.Store, issuer *auth.Issuer, resolver *auth.Resolver, rev RevocationStore, th LoginThrottle, codes CodeStore, opts ...ServiceOption) (*Service, error) {
	if store == nil || issuer == nil || resolver == nil || rev == nil || th == nil || codes == nil {
		return nil, errors.New("session: all collaborators are required")
	}
	svc := &Service{
		store:      store,
		issuer:     issuer,
		resolver:   resolver,
		revocation: rev,
		throttle:   th,
		codes:      codes,
		notifier:   LogNotifier{},
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// EnsureBuiltins seeds the permission catalog and the built-in roles.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	if err := s.store.Permissions().Ensure(ctx, auth.BuiltinPermissions); err != nil {
		return err
	}
	roles := s.store.Roles()
	for _, name := range []string{auth.RoleCustomer, auth.RoleAdmin} {
		if _, err := roles.FindByName(ctx, name); err == nil {
			continue
		} else if !errors.Is(err, auth.ErrNotFound) {
			return err
		}
		if err := roles.Create(ctx, &auth.Role{Name: name}); err != nil && !errors.Is(err, auth.ErrAlreadyExists) {
			return err
		}
	}
	return nil
}

// RegisterInput is the validated registration payload.
type RegisterInput struct {
	OrganizationID string
	Name           string
	Email          string
	Phone          string
	Password       string
}

// Register creates an unverified identity and issues a verification code.
// The response carries no tokens: login requires a verified email first.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*auth.Identity, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", auth.ErrInvalidInput)
	}
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", auth.ErrInvalidInput)
	}
	if len(in.Password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", auth.ErrInvalidInput)
	}

	identities := s.store.Identities()
	exists, err := identities.ExistsByEmailOrPhone(ctx, in.Email, in.Phone)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: email or phone already in use", auth.ErrAlreadyExists)
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	identity := &auth.Identity{
		OrganizationID: in.OrganizationID,
		Name:           in.Name,
		Email:          in.Email,
		Phone:          in.Phone,
		PasswordHash:   hash,
		Status:         auth.StatusActive,
	}
	if err := identities.Create(ctx, identity); err != nil {
		return nil, err
	}

	code, err := s.codes.Issue(ctx, identity.ID, verify.ChannelEmail)
	if err != nil {
		return nil, err
	}
	if err := s.notifier.SendVerificationCode(ctx, identity, verify.ChannelEmail, code); err != nil {
		// The account exists; delivery can be retried via re-registration
		// support flows. Logged, not fatal.
		obs.Warn("verification code delivery failed", map[string]any{
			"identity_id": identity.ID,
			"error":       err.Error(),
		})
	}
	return identity, nil
}

// VerifyEmail consumes a one-time code and flips the email verified flag.
func (s *Service) VerifyEmail(ctx context.Context, email, code string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || strings.TrimSpace(code) == "" {
		return fmt.Errorf("%w: email and code are required", auth.ErrInvalidInput)
	}
	identity, err := s.store.Identities().FindByEmail(ctx, email)
	if err != nil {
		return err
	}
	if err := s.codes.Consume(ctx, identity.ID, verify.ChannelEmail, strings.TrimSpace(code)); err != nil {
		return err
	}
	return s.store.Identities().SetEmailVerified(ctx, identity.ID)
}

// LoginInput carries the credentials plus the client network address used
// for throttling.
type LoginInput struct {
	Email      string
	Password   string
	RemoteAddr string
	RememberMe bool
}

// Login authenticates credentials and mints a token pair. The refresh token
// is persisted before the pair is returned: the caller never observes a
// success for a refresh token that failed to persist.
func (s *Service) Login(ctx context.Context, in LoginInput) (TokenPair, auth.Principal, error) {
	if err := s.throttle.Allow(ctx, in.RemoteAddr); err != nil {
		if errors.Is(err, throttle.ErrTooManyAttempts) {
			obs.ObserveLogin("throttled")
			obs.ObserveThrottleRejection()
		}
		return TokenPair{}, auth.Principal{}, err
	}

	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || in.Password == "" {
		return s.failLogin(ctx, in.RemoteAddr)
	}
	identity, err := s.store.Identities().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return s.failLogin(ctx, in.RemoteAddr)
		}
		return TokenPair{}, auth.Principal{}, err
	}
	if !identity.CanLogin() {
		return s.failLogin(ctx, in.RemoteAddr)
	}
	if err := auth.VerifyPassword(identity.PasswordHash, in.Password); err != nil {
		return s.failLogin(ctx, in.RemoteAddr)
	}
	// Checked after the password so an unverified-account response cannot be
	// used to probe foreign addresses.
	if !identity.EmailVerified {
		obs.ObserveLogin("unverified")
		return TokenPair{}, auth.Principal{}, ErrNotVerified
	}

	if err := s.throttle.Reset(ctx, in.RemoteAddr); err != nil {
		obs.Warn("throttle reset failed", map[string]any{"error": err.Error()})
	}

	principal, err := s.resolver.Resolve(ctx, identity)
	if err != nil {
		return TokenPair{}, auth.Principal{}, err
	}
	pair, err := s.mintTokens(ctx, principal, in.RememberMe)
	if err != nil {
		return TokenPair{}, auth.Principal{}, err
	}
	obs.ObserveLogin("success")
	return pair, principal, nil
}

func (s *Service) failLogin(ctx context.Context, addr string) (TokenPair, auth.Principal, error) {
	if err := s.throttle.Record(ctx, addr); err != nil {
		obs.Warn("throttle record failed", map[string]any{"error": err.Error()})
	}
	obs.ObserveLogin("invalid")
	return TokenPair{}, auth.Principal{}, ErrInvalidCredentials
}

// Refresh rotates the refresh token: the presented token must match the
// stored slot, and a new pair replaces it. Any failure forces re-login.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, auth.Principal, error) {
	claims, err := s.issuer.VerifyRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, auth.Principal{}, ErrInvalidRefreshToken
	}
	match, err := s.revocation.MatchRefresh(ctx, claims.Subject, refreshToken)
	if err != nil {
		// Fail closed: without the store there is no way to confirm the
		// token was not rotated away or revoked.
		return TokenPair{}, auth.Principal{}, err
	}
	if !match {
		return TokenPair{}, auth.Principal{}, ErrInvalidRefreshToken
	}

	principal, err := s.resolver.ResolveByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return TokenPair{}, auth.Principal{}, ErrInvalidRefreshToken
		}
		return TokenPair{}, auth.Principal{}, err
	}
	if !principal.Identity.CanLogin() {
		return TokenPair{}, auth.Principal{}, ErrInvalidRefreshToken
	}

	pair, err := s.mintTokens(ctx, principal, claims.Remember)
	if err != nil {
		return TokenPair{}, auth.Principal{}, err
	}
	return pair, principal, nil
}

// Logout blacklists the presented access token for its remaining natural
// life and revokes the stored refresh token. Idempotent: a second call has
// nothing left to revoke and still succeeds. A revocation-store failure is
// logged as a warning; the handler clears the client cookie regardless.
func (s *Service) Logout(ctx context.Context, subjectID, accessToken string) error {
	ttl := s.issuer.AccessTTL()
	if claims, err := s.issuer.VerifyAccess(accessToken); err == nil {
		ttl = s.issuer.RemainingLife(claims)
	}
	if err := s.revocation.Blacklist(ctx, subjectID, accessToken, ttl); err != nil {
		obs.Warn("access token blacklist failed", map[string]any{
			"subject_id": subjectID,
			"error":      err.Error(),
		})
	}
	if err := s.revocation.RevokeRefresh(ctx, subjectID); err != nil {
		obs.Warn("refresh token revoke failed", map[string]any{
			"subject_id": subjectID,
			"error":      err.Error(),
		})
	}
	return nil
}

// RefreshTTL exposes the refresh lifetime for cookie Max-Age decisions.
func (s *Service) RefreshTTL() time.Duration { return s.issuer.RefreshTTL() }

func (s *Service) mintTokens(ctx context.Context, principal auth.Principal, remember bool) (TokenPair, error) {
	access, accessExp, err := s.issuer.IssueAccess(principal.Identity, principal.Roles)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.issuer.IssueRefresh(principal.Identity, remember)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.revocation.StoreRefresh(ctx, principal.Identity.ID, refresh, s.issuer.RefreshTTL()); err != nil {
		return TokenPair{}, err
	}
	obs.ObserveTokenIssued("access")
	obs.ObserveTokenIssued("refresh")
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		Remember:         remember,
	}, nil
}
