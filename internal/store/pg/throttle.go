package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"paneldesk.org/internal/ids"
	"paneldesk.org/internal/throttle"
)

const attemptColumns = `id, email, ip_address, attempts, is_blocked, blocked_until, last_attempt_at`

func (s *Store) Find(ctx context.Context, email, ip string) (throttle.Attempt, error) {
	var att throttle.Attempt
	row := s.db.QueryRowContext(ctx, `
		select `+attemptColumns+` from login_attempts where email = $1 and ip_address = $2
	`, email, ip)
	if err := scanAttempt(row, &att); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return throttle.Attempt{}, throttle.ErrNotFound
		}
		return throttle.Attempt{}, err
	}
	return att, nil
}

func (s *Store) GetAttempt(ctx context.Context, id string) (throttle.Attempt, error) {
	var att throttle.Attempt
	row := s.db.QueryRowContext(ctx, `select `+attemptColumns+` from login_attempts where id = $1`, id)
	if err := scanAttempt(row, &att); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return throttle.Attempt{}, throttle.ErrNotFound
		}
		return throttle.Attempt{}, err
	}
	return att, nil
}

func (s *Store) ListAttempts(ctx context.Context, filter throttle.Filter) ([]throttle.Attempt, error) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	if filter.Email != "" {
		where = append(where, fmt.Sprintf("email = $%d", idx))
		args = append(args, filter.Email)
		idx++
	}
	if filter.IPAddress != "" {
		where = append(where, fmt.Sprintf("ip_address = $%d", idx))
		args = append(args, filter.IPAddress)
		idx++
	}
	if filter.BlockedOnly {
		where = append(where, "is_blocked")
	}

	query := `select ` + attemptColumns + ` from login_attempts`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += fmt.Sprintf(" order by last_attempt_at desc limit $%d offset $%d", idx, idx+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []throttle.Attempt
	for rows.Next() {
		var att throttle.Attempt
		if err := scanAttempt(rows, &att); err != nil {
			return nil, err
		}
		attempts = append(attempts, att)
	}
	return attempts, rows.Err()
}

// Fail is a single atomic upsert: the increment and the threshold check
// both happen in SQL, so two concurrent failures for the same key can
// never under-count each other.
func (s *Store) Fail(ctx context.Context, email, ip string, threshold int, blockedUntil, at time.Time) (throttle.Attempt, error) {
	var att throttle.Attempt
	row := s.db.QueryRowContext(ctx, `
		insert into login_attempts (id, email, ip_address, attempts, is_blocked, blocked_until, last_attempt_at)
		values ($1, $2, $3, 1, 1 >= $4, case when 1 >= $4 then $5 end, $6)
		on conflict (email, ip_address) do update set
			attempts = login_attempts.attempts + 1,
			is_blocked = login_attempts.attempts + 1 >= $4,
			blocked_until = case when login_attempts.attempts + 1 >= $4 then $5 else login_attempts.blocked_until end,
			last_attempt_at = $6
		returning `+attemptColumns+`
	`, ids.New(), email, ip, threshold, blockedUntil, at)
	if err := scanAttempt(row, &att); err != nil {
		return throttle.Attempt{}, err
	}
	return att, nil
}

func (s *Store) Reset(ctx context.Context, email, ip string) error {
	_, err := s.db.ExecContext(ctx, `
		update login_attempts
		set attempts = 0, is_blocked = false, blocked_until = null
		where email = $1 and ip_address = $2
	`, email, ip)
	return err
}

// ClearExpired resets a blocked row only when its block has lapsed. The
// condition lives in the statement so concurrent checks cannot both
// observe a stale block and race the reset.
func (s *Store) ClearExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update login_attempts
		set attempts = 0, is_blocked = false, blocked_until = null
		where id = $1 and is_blocked and blocked_until is not null and blocked_until <= $2
	`, id, now)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

func (s *Store) ResetByID(ctx context.Context, id string) (throttle.Attempt, error) {
	var att throttle.Attempt
	row := s.db.QueryRowContext(ctx, `
		update login_attempts
		set attempts = 0, is_blocked = false, blocked_until = null
		where id = $1
		returning `+attemptColumns+`
	`, id)
	if err := scanAttempt(row, &att); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return throttle.Attempt{}, throttle.ErrNotFound
		}
		return throttle.Attempt{}, err
	}
	return att, nil
}

// ThrottleView adapts Store's attempt methods to the throttle.Store
// interface: Get and List collide with the audit.Store method names.
type ThrottleView struct{ *Store }

func (v ThrottleView) Get(ctx context.Context, id string) (throttle.Attempt, error) {
	return v.GetAttempt(ctx, id)
}

func (v ThrottleView) List(ctx context.Context, filter throttle.Filter) ([]throttle.Attempt, error) {
	return v.ListAttempts(ctx, filter)
}

func scanAttempt(row rowScanner, att *throttle.Attempt) error {
	var blockedUntil sql.NullTime
	if err := row.Scan(&att.ID, &att.Email, &att.IPAddress, &att.Attempts, &att.IsBlocked,
		&blockedUntil, &att.LastAttemptAt); err != nil {
		return err
	}
	if blockedUntil.Valid {
		t := blockedUntil.Time
		att.BlockedUntil = &t
	}
	return nil
}
