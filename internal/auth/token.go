package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// AccessClaims are embedded in access tokens. Roles reflect the resolved
// role set at issuance time and are stale until the next refresh.
type AccessClaims struct {
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	TokenType string   `json:"token_type"`
	jwt.RegisteredClaims
}

// RefreshClaims carry the subject and the remember-me choice; everything
// else about the session is looked up server-side. Remember rides along so
// rotation can reissue the cookie with the same persistence the client asked
// for at login.
type RefreshClaims struct {
	TokenType string `json:"token_type"`
	Remember  bool   `json:"remember,omitempty"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies signed tokens. It holds no persistent state;
// verification never touches a data store.
type Issuer struct {
	issuer        string
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithIssuerClock overrides the time source, for tests.
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs an Issuer. The access and refresh secrets must be
// non-empty and distinct: a leaked access secret must not allow refresh
// forgery.
func NewIssuer(issuer, accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration, opts ...IssuerOption) (*Issuer, error) {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("issuer name is required")
	}
	if accessSecret == "" || refreshSecret == "" {
		return nil, errors.New("signing secrets are required")
	}
	if accessSecret == refreshSecret {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, errors.New("token lifetimes must be greater than zero")
	}
	iss := &Issuer{
		issuer:        issuer,
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(iss)
	}
	return iss, nil
}

// AccessTTL returns the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

// IssueAccess signs an access token carrying identity and role claims.
func (i *Issuer) IssueAccess(identity *Identity, roles []string) (string, time.Time, error) {
	if identity == nil || strings.TrimSpace(identity.ID) == "" {
		return "", time.Time{}, errors.New("identity is required")
	}
	now := i.now().UTC()
	exp := now.Add(i.accessTTL)
	claims := AccessClaims{
		Email:     identity.Email,
		Roles:     NormalizeRoles(roles),
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.accessSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// IssueRefresh signs a refresh token embedding the subject id and the
// remember-me choice.
func (i *Issuer) IssueRefresh(identity *Identity, remember bool) (string, time.Time, error) {
	if identity == nil || strings.TrimSpace(identity.ID) == "" {
		return "", time.Time{}, errors.New("identity is required")
	}
	now := i.now().UTC()
	exp := now.Add(i.refreshTTL)
	claims := RefreshClaims{
		TokenType: tokenTypeRefresh,
		Remember:  remember,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.refreshSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// VerifyAccess validates an access token. Every failure yields
// ErrInvalidToken; the caller must not leak which check failed.
func (i *Issuer) VerifyAccess(token string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.accessSecret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != tokenTypeAccess || claims.Issuer != i.issuer {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	claims.Roles = NormalizeRoles(claims.Roles)
	return claims, nil
}

// VerifyRefresh validates a refresh token against the refresh secret.
func (i *Issuer) VerifyRefresh(token string) (*RefreshClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &RefreshClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.refreshSecret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*RefreshClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != tokenTypeRefresh || claims.Issuer != i.issuer {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RemainingLife returns how long the access token stays naturally valid,
// used to bound blacklist TTLs. Floored at one minute so a marker always
// outlives clock skew.
func (i *Issuer) RemainingLife(claims *AccessClaims) time.Duration {
	if claims == nil || claims.ExpiresAt == nil {
		return i.accessTTL
	}
	remaining := claims.ExpiresAt.Time.Sub(i.now())
	if remaining < time.Minute {
		return time.Minute
	}
	return remaining
}

// NormalizeRoles lower-cases, trims and deduplicates a role list.
func NormalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var out []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}
