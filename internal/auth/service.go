// Package auth authenticates users against stored credentials and issues
// bearer tokens, consulting the login-attempt throttle before any
// credential check.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"paneldesk.org/internal/audit"
	"paneldesk.org/internal/obs"
	"paneldesk.org/internal/rbac"
	"paneldesk.org/internal/throttle"
)

const defaultTokenTTL = 15 * time.Minute

var (
	// ErrInvalidCredentials covers both "no such user" and "wrong
	// password" so responses never reveal whether an email exists.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrAccountDisabled rejects a correct login against a deactivated
	// account.
	ErrAccountDisabled = errors.New("auth: account disabled")
)

// UserDirectory is the slice of user persistence the login flow needs.
type UserDirectory interface {
	GetUserByEmail(ctx context.Context, email string) (rbac.User, error)
	RecordLogin(ctx context.Context, userID, ip string, at time.Time) error
}

// Credentials is one login submission with its request context.
type Credentials struct {
	Email     string
	Password  string
	IPAddress string
	UserAgent string
}

// LoginResult is a successful authentication.
type LoginResult struct {
	Token               string    `json:"token"`
	ExpiresAt           time.Time `json:"expires_at"`
	User                rbac.User `json:"user"`
	ForcePasswordChange bool      `json:"force_password_change"`
}

// Service verifies credentials and issues HS256 access tokens.
type Service struct {
	users    UserDirectory
	throttle *throttle.Service
	audit    *audit.Service

	secret   []byte
	issuer   string
	tokenTTL time.Duration
	now      func() time.Time
}

// Option configures Service behavior.
type Option func(*Service) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) error {
		issuer = strings.TrimSpace(issuer)
		if issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithTokenTTL configures access token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs a Service. The signing secret is required; the
// throttle and audit services may be nil only in tests that bypass them.
func NewService(users UserDirectory, throttleSvc *throttle.Service, auditSvc *audit.Service, secret string, opts ...Option) (*Service, error) {
	if users == nil {
		return nil, errors.New("auth: user directory is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	s := &Service{
		users:    users,
		throttle: throttleSvc,
		audit:    auditSvc,
		secret:   []byte(secret),
		issuer:   "paneldesk",
		tokenTTL: defaultTokenTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Login authenticates the credentials. The throttle is consulted first:
// a blocked (email, IP) key is rejected before the password is ever
// compared. Failures increment the key; success resets it, stamps the
// user's last-login fields and appends a login audit record.
func (s *Service) Login(ctx context.Context, creds Credentials) (LoginResult, error) {
	email := strings.TrimSpace(strings.ToLower(creds.Email))
	if email == "" || creds.Password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}

	if s.throttle != nil {
		if err := s.throttle.Check(ctx, email, creds.IPAddress); err != nil {
			var limited *throttle.RateLimitedError
			if errors.As(err, &limited) {
				obs.ObserveLogin("blocked")
			}
			return LoginResult{}, err
		}
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, rbac.ErrNotFound) {
			return LoginResult{}, s.fail(ctx, email, creds.IPAddress)
		}
		return LoginResult{}, err
	}
	if err := VerifyPassword(user.PasswordHash, creds.Password); err != nil {
		return LoginResult{}, s.fail(ctx, email, creds.IPAddress)
	}
	if !user.IsActive {
		obs.ObserveLogin("disabled")
		return LoginResult{}, ErrAccountDisabled
	}

	if s.throttle != nil {
		if err := s.throttle.Success(ctx, email, creds.IPAddress); err != nil {
			return LoginResult{}, err
		}
	}

	now := s.now().UTC()
	if err := s.users.RecordLogin(ctx, user.ID, creds.IPAddress, now); err != nil {
		return LoginResult{}, err
	}

	token, expiresAt, err := s.generateToken(user.ID, now)
	if err != nil {
		return LoginResult{}, err
	}

	if s.audit != nil {
		actorCtx := audit.WithActor(ctx, audit.Actor{
			UserID:    user.ID,
			IPAddress: creds.IPAddress,
			UserAgent: creds.UserAgent,
		})
		if err := s.audit.Log(actorCtx, "login", "user", user.ID, nil, nil); err != nil {
			return LoginResult{}, err
		}
	}
	obs.ObserveLogin("success")

	return LoginResult{
		Token:               token,
		ExpiresAt:           expiresAt,
		User:                user,
		ForcePasswordChange: user.ForcePasswordChange,
	}, nil
}

func (s *Service) fail(ctx context.Context, email, ip string) error {
	obs.ObserveLogin("failure")
	if s.throttle != nil {
		if _, err := s.throttle.Fail(ctx, email, ip); err != nil {
			return err
		}
	}
	return ErrInvalidCredentials
}
