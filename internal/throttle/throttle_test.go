package throttle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"paneldesk.org/internal/audit"
)

// memStore is an in-memory Store with the same atomicity contract as the
// SQL implementation.
type memStore struct {
	mu   sync.Mutex
	rows map[string]*Attempt
	seq  int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*Attempt)}
}

func key(email, ip string) string { return email + "|" + ip }

func (m *memStore) Find(_ context.Context, email, ip string) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if att, ok := m.rows[key(email, ip)]; ok {
		return *att, nil
	}
	return Attempt{}, ErrNotFound
}

func (m *memStore) Get(_ context.Context, id string) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, att := range m.rows {
		if att.ID == id {
			return *att, nil
		}
	}
	return Attempt{}, ErrNotFound
}

func (m *memStore) List(_ context.Context, filter Filter) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attempt
	for _, att := range m.rows {
		if filter.Email != "" && att.Email != filter.Email {
			continue
		}
		if filter.IPAddress != "" && att.IPAddress != filter.IPAddress {
			continue
		}
		if filter.BlockedOnly && !att.IsBlocked {
			continue
		}
		out = append(out, *att)
	}
	return out, nil
}

func (m *memStore) Fail(_ context.Context, email, ip string, threshold int, blockedUntil, at time.Time) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.rows[key(email, ip)]
	if !ok {
		m.seq++
		att = &Attempt{ID: fmt.Sprintf("att-%d", m.seq), Email: email, IPAddress: ip}
		m.rows[key(email, ip)] = att
	}
	att.Attempts++
	att.LastAttemptAt = at
	if att.Attempts >= threshold {
		att.IsBlocked = true
		until := blockedUntil
		att.BlockedUntil = &until
	}
	return *att, nil
}

func (m *memStore) Reset(_ context.Context, email, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if att, ok := m.rows[key(email, ip)]; ok {
		att.Attempts = 0
		att.IsBlocked = false
		att.BlockedUntil = nil
	}
	return nil
}

func (m *memStore) ClearExpired(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, att := range m.rows {
		if att.ID != id {
			continue
		}
		if att.IsBlocked && att.BlockedUntil != nil && !att.BlockedUntil.After(now) {
			att.Attempts = 0
			att.IsBlocked = false
			att.BlockedUntil = nil
			return true, nil
		}
		return false, nil
	}
	return false, nil
}

func (m *memStore) ResetByID(_ context.Context, id string) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, att := range m.rows {
		if att.ID == id {
			att.Attempts = 0
			att.IsBlocked = false
			att.BlockedUntil = nil
			return *att, nil
		}
	}
	return Attempt{}, ErrNotFound
}

type appendOnlyAuditStore struct {
	entries []audit.Entry
}

func (s *appendOnlyAuditStore) Append(_ context.Context, entry *audit.Entry) error {
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *appendOnlyAuditStore) List(context.Context, audit.Filter) ([]audit.Entry, error) {
	return s.entries, nil
}

func (s *appendOnlyAuditStore) Get(context.Context, string) (audit.Entry, error) {
	return audit.Entry{}, audit.ErrNotFound
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newThrottle(t *testing.T, store Store, clock *fakeClock, cfg Config) *Service {
	t.Helper()
	svc, err := NewService(store, nil, WithConfig(cfg), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestBlockAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
	svc := newThrottle(t, newMemStore(), clock, Config{MaxAttempts: 3, LockoutDuration: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		att, err := svc.Fail(ctx, "a@b.co", "10.0.0.1")
		if err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
		if att.IsBlocked {
			t.Fatalf("blocked before threshold at attempt %d", att.Attempts)
		}
		if err := svc.Check(ctx, "a@b.co", "10.0.0.1"); err != nil {
			t.Fatalf("check below threshold: %v", err)
		}
	}

	att, err := svc.Fail(ctx, "a@b.co", "10.0.0.1")
	if err != nil {
		t.Fatalf("final fail: %v", err)
	}
	if !att.IsBlocked || att.BlockedUntil == nil {
		t.Fatalf("expected block at threshold, got %+v", att)
	}
	wantUntil := clock.Now().Add(time.Hour)
	if !att.BlockedUntil.Equal(wantUntil) {
		t.Fatalf("blocked_until = %v, want %v", att.BlockedUntil, wantUntil)
	}

	err = svc.Check(ctx, "a@b.co", "10.0.0.1")
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if !limited.BlockedUntil.Equal(wantUntil) {
		t.Fatalf("error carries wrong recovery time: %v", limited.BlockedUntil)
	}
}

func TestLazyRecoveryAfterLockout(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
	store := newMemStore()
	svc := newThrottle(t, store, clock, Config{MaxAttempts: 2, LockoutDuration: 30 * time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Fail(ctx, "a@b.co", "10.0.0.1"); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}
	if err := svc.Check(ctx, "a@b.co", "10.0.0.1"); err == nil {
		t.Fatal("expected active block")
	}

	clock.Advance(30 * time.Minute)
	if err := svc.Check(ctx, "a@b.co", "10.0.0.1"); err != nil {
		t.Fatalf("expected lapsed block to pass: %v", err)
	}

	// the lapsed check must also have reset the row
	att, err := store.Find(ctx, "a@b.co", "10.0.0.1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if att.IsBlocked || att.Attempts != 0 || att.BlockedUntil != nil {
		t.Fatalf("expected reset row, got %+v", att)
	}
}

func TestKeysAreIsolated(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
	svc := newThrottle(t, newMemStore(), clock, Config{MaxAttempts: 2, LockoutDuration: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Fail(ctx, "a@b.co", "10.0.0.1"); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}
	if err := svc.Check(ctx, "a@b.co", "10.0.0.1"); err == nil {
		t.Fatal("expected block for the failing key")
	}
	if err := svc.Check(ctx, "a@b.co", "10.0.0.2"); err != nil {
		t.Fatalf("same email, different IP must be unaffected: %v", err)
	}
	if err := svc.Check(ctx, "other@b.co", "10.0.0.1"); err != nil {
		t.Fatalf("same IP, different email must be unaffected: %v", err)
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
	store := newMemStore()
	svc := newThrottle(t, store, clock, Config{MaxAttempts: 5, LockoutDuration: time.Hour})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := svc.Fail(ctx, "a@b.co", "10.0.0.1"); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}
	if err := svc.Success(ctx, "a@b.co", "10.0.0.1"); err != nil {
		t.Fatalf("success: %v", err)
	}
	att, err := store.Find(ctx, "a@b.co", "10.0.0.1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if att.Attempts != 0 {
		t.Fatalf("expected counter reset, got %d", att.Attempts)
	}
}

func TestSuccessFromCleanStateIsNoop(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	svc := newThrottle(t, newMemStore(), clock, Config{MaxAttempts: 5, LockoutDuration: time.Hour})
	if err := svc.Success(context.Background(), "fresh@b.co", "10.0.0.1"); err != nil {
		t.Fatalf("clean-state success must be a no-op: %v", err)
	}
}

func TestEmailNormalization(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	svc := newThrottle(t, newMemStore(), clock, Config{MaxAttempts: 2, LockoutDuration: time.Hour})
	ctx := context.Background()

	if _, err := svc.Fail(ctx, "Alice@Example.COM", "10.0.0.1"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := svc.Fail(ctx, " alice@example.com ", "10.0.0.1"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := svc.Check(ctx, "ALICE@example.com", "10.0.0.1"); err == nil {
		t.Fatal("case variants must hit the same key")
	}
}

func TestUnblockWritesAuditRecord(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
	store := newMemStore()
	auditStore := &appendOnlyAuditStore{}
	auditSvc, err := audit.NewService(auditStore)
	if err != nil {
		t.Fatalf("audit service: %v", err)
	}
	svc, err := NewService(store, auditSvc,
		WithConfig(Config{MaxAttempts: 2, LockoutDuration: time.Hour}),
		WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()

	var blocked Attempt
	for i := 0; i < 2; i++ {
		if blocked, err = svc.Fail(ctx, "a@b.co", "10.0.0.1"); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}
	if !blocked.IsBlocked {
		t.Fatalf("expected blocked row, got %+v", blocked)
	}

	att, err := svc.Unblock(ctx, blocked.ID)
	if err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if att.IsBlocked || att.Attempts != 0 {
		t.Fatalf("expected reset row, got %+v", att)
	}
	if err := svc.Check(ctx, "a@b.co", "10.0.0.1"); err != nil {
		t.Fatalf("unblocked key must pass checks: %v", err)
	}

	if len(auditStore.entries) != 1 {
		t.Fatalf("expected one audit record, got %d", len(auditStore.entries))
	}
	entry := auditStore.entries[0]
	if entry.Action != "unblock_ip" || entry.EntityType != "login_attempt" || entry.EntityID != blocked.ID {
		t.Fatalf("unexpected audit entry: %+v", entry)
	}
	if entry.OldValues["is_blocked"] != true || entry.NewValues["is_blocked"] != false {
		t.Fatalf("unexpected state transition in audit entry: %+v", entry)
	}
}

func TestUnblockUnknownID(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	svc := newThrottle(t, newMemStore(), clock, Config{MaxAttempts: 2, LockoutDuration: time.Hour})
	if _, err := svc.Unblock(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{MaxAttempts: 15, LockoutDuration: time.Hour}).Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if err := (Config{MaxAttempts: 0, LockoutDuration: time.Hour}).Validate(); err == nil {
		t.Fatal("expected error for zero attempts")
	}
	if err := (Config{MaxAttempts: 5, LockoutDuration: 0}).Validate(); err == nil {
		t.Fatal("expected error for zero lockout")
	}
}

func TestRateLimitedErrorMessage(t *testing.T) {
	until := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	err := &RateLimitedError{BlockedUntil: until}
	if !strings.Contains(err.Error(), "2026-02-01T10:00:00Z") {
		t.Fatalf("expected recovery time in message, got %q", err.Error())
	}
}
