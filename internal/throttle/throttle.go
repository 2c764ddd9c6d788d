// Package throttle tracks failed login attempts per (email, IP) pair and
// enforces a temporary lockout after repeated failures.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"paneldesk.org/internal/audit"
)

const (
	// DefaultMaxAttempts is the failure count that triggers a block.
	DefaultMaxAttempts = 15
	// DefaultLockoutDuration is how long a block lasts before the key
	// recovers on its own.
	DefaultLockoutDuration = 60 * time.Minute
)

var ErrNotFound = errors.New("throttle: not found")

// RateLimitedError signals that the (email, IP) key is blocked. It carries
// the recovery time so callers can tell the user when to retry.
type RateLimitedError struct {
	BlockedUntil time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("throttle: too many failed attempts, blocked until %s", e.BlockedUntil.Format(time.RFC3339))
}

// Attempt is the persisted state for one (email, IP) key.
type Attempt struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	IPAddress     string     `json:"ip_address"`
	Attempts      int        `json:"attempts"`
	IsBlocked     bool       `json:"is_blocked"`
	BlockedUntil  *time.Time `json:"blocked_until,omitempty"`
	LastAttemptAt time.Time  `json:"last_attempt_at"`
}

// Filter narrows List results.
type Filter struct {
	Email       string
	IPAddress   string
	BlockedOnly bool
	Limit       int
	Offset      int
}

// Store persists attempt rows. Fail and ClearExpired must be atomic with
// respect to concurrent calls for the same key: two overlapping failed
// logins may never under-count.
type Store interface {
	Find(ctx context.Context, email, ip string) (Attempt, error)
	Get(ctx context.Context, id string) (Attempt, error)
	List(ctx context.Context, filter Filter) ([]Attempt, error)
	// Fail creates the row on first failure or increments it, applying
	// the block in the same statement once the count reaches threshold.
	Fail(ctx context.Context, email, ip string, threshold int, blockedUntil, at time.Time) (Attempt, error)
	// Reset zeroes the key's counter and clears any block. Missing rows
	// are a no-op, so succeeding from a clean state stays idempotent.
	Reset(ctx context.Context, email, ip string) error
	// ClearExpired resets the row only if its block has lapsed; reports
	// whether a reset happened.
	ClearExpired(ctx context.Context, id string, now time.Time) (bool, error)
	// ResetByID force-resets a row regardless of blocked_until.
	ResetByID(ctx context.Context, id string) (Attempt, error)
}

// Config holds the tunable lockout parameters.
type Config struct {
	MaxAttempts     int
	LockoutDuration time.Duration
}

// Validate rejects non-positive parameters.
func (c Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return errors.New("throttle: max attempts must be positive")
	}
	if c.LockoutDuration <= 0 {
		return errors.New("throttle: lockout duration must be positive")
	}
	return nil
}

// Service runs the per-key state machine: clean -> warming -> blocked,
// with lazy recovery once blocked_until passes.
type Service struct {
	store Store
	audit *audit.Service
	cfg   Config
	now   func() time.Time
}

// Option configures Service behavior.
type Option func(*Service) error

// WithConfig overrides the default threshold and lockout duration.
func WithConfig(cfg Config) Option {
	return func(s *Service) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		s.cfg = cfg
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

// NewService constructs a Service. The audit service records
// administrative unblocks and may be nil in contexts without auditing.
func NewService(store Store, auditSvc *audit.Service, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("throttle store is required")
	}
	s := &Service{
		store: store,
		audit: auditSvc,
		cfg:   Config{MaxAttempts: DefaultMaxAttempts, LockoutDuration: DefaultLockoutDuration},
		now:   time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Check gates a login attempt before credentials are evaluated. A blocked
// key whose blocked_until has passed is reset as a side effect and allowed
// through; an active block returns RateLimitedError without touching the
// counter.
func (s *Service) Check(ctx context.Context, email, ip string) error {
	email, ip = normalizeKey(email, ip)
	att, err := s.store.Find(ctx, email, ip)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !att.IsBlocked {
		return nil
	}
	now := s.now()
	if att.BlockedUntil != nil && !att.BlockedUntil.After(now) {
		if _, err := s.store.ClearExpired(ctx, att.ID, now); err != nil {
			return err
		}
		return nil
	}
	blockedUntil := now
	if att.BlockedUntil != nil {
		blockedUntil = *att.BlockedUntil
	}
	return &RateLimitedError{BlockedUntil: blockedUntil}
}

// Fail records one failed login for the key, blocking it once the count
// reaches the configured threshold.
func (s *Service) Fail(ctx context.Context, email, ip string) (Attempt, error) {
	email, ip = normalizeKey(email, ip)
	now := s.now()
	return s.store.Fail(ctx, email, ip, s.cfg.MaxAttempts, now.Add(s.cfg.LockoutDuration), now)
}

// Success resets the key after a successful login. Succeeding from a
// clean state is a no-op.
func (s *Service) Success(ctx context.Context, email, ip string) error {
	email, ip = normalizeKey(email, ip)
	return s.store.Reset(ctx, email, ip)
}

// Unblock force-resets a row by id regardless of blocked_until and writes
// an audit record for the action.
func (s *Service) Unblock(ctx context.Context, id string) (Attempt, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Attempt{}, ErrNotFound
	}
	before, err := s.store.Get(ctx, id)
	if err != nil {
		return Attempt{}, err
	}
	att, err := s.store.ResetByID(ctx, id)
	if err != nil {
		return Attempt{}, err
	}
	if s.audit != nil {
		if err := s.audit.Log(ctx, "unblock_ip", "login_attempt", att.ID,
			map[string]any{"is_blocked": before.IsBlocked, "attempts": before.Attempts},
			map[string]any{"is_blocked": false, "attempts": 0},
		); err != nil {
			return Attempt{}, err
		}
	}
	return att, nil
}

// Get fetches one attempt row by id.
func (s *Service) Get(ctx context.Context, id string) (Attempt, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Attempt{}, ErrNotFound
	}
	return s.store.Get(ctx, id)
}

// List returns attempt rows matching the filter, most recent first.
func (s *Service) List(ctx context.Context, filter Filter) ([]Attempt, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.store.List(ctx, filter)
}

func normalizeKey(email, ip string) (string, string) {
	return strings.TrimSpace(strings.ToLower(email)), strings.TrimSpace(ip)
}
