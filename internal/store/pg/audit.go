package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"paneldesk.org/internal/audit"
	"paneldesk.org/internal/ids"
)

const auditColumns = `id, user_id, action, entity_type, entity_id, old_values, new_values, ip_address, user_agent, created_at`

// Append writes one audit record. There is no corresponding update or
// delete: the table is a write-once ledger.
func (s *Store) Append(ctx context.Context, entry *audit.Entry) error {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	oldJSON, err := marshalValues(entry.OldValues)
	if err != nil {
		return err
	}
	newJSON, err := marshalValues(entry.NewValues)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_logs (id, user_id, action, entity_type, entity_id, old_values, new_values, ip_address, user_agent, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, nullIfEmpty(entry.UserID), entry.Action, nullIfEmpty(entry.EntityType), nullIfEmpty(entry.EntityID),
		oldJSON, newJSON, nullIfEmpty(entry.IPAddress), nullIfEmpty(entry.UserAgent), entry.CreatedAt)
	return err
}

func (s *Store) List(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	addClause := func(clause string, value any) {
		where = append(where, fmt.Sprintf(clause, idx))
		args = append(args, value)
		idx++
	}
	if filter.Action != "" {
		addClause("action = $%d", filter.Action)
	}
	if filter.EntityType != "" {
		addClause("entity_type = $%d", filter.EntityType)
	}
	if filter.EntityID != "" {
		addClause("entity_id = $%d", filter.EntityID)
	}
	if filter.UserID != "" {
		addClause("user_id = $%d", filter.UserID)
	}
	if !filter.Since.IsZero() {
		addClause("created_at >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		addClause("created_at <= $%d", filter.Until)
	}

	query := `select ` + auditColumns + ` from audit_logs`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += fmt.Sprintf(" order by created_at desc, id desc limit $%d offset $%d", idx, idx+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var entry audit.Entry
		if err := scanAuditEntry(rows, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (audit.Entry, error) {
	var entry audit.Entry
	row := s.db.QueryRowContext(ctx, `select `+auditColumns+` from audit_logs where id = $1`, id)
	if err := scanAuditEntry(row, &entry); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return audit.Entry{}, audit.ErrNotFound
		}
		return audit.Entry{}, err
	}
	return entry, nil
}

func scanAuditEntry(row rowScanner, entry *audit.Entry) error {
	var (
		userID, entityType, entityID, ip, ua sql.NullString
		oldJSON, newJSON                     []byte
	)
	if err := row.Scan(&entry.ID, &userID, &entry.Action, &entityType, &entityID,
		&oldJSON, &newJSON, &ip, &ua, &entry.CreatedAt); err != nil {
		return err
	}
	entry.UserID = userID.String
	entry.EntityType = entityType.String
	entry.EntityID = entityID.String
	entry.IPAddress = ip.String
	entry.UserAgent = ua.String
	if len(oldJSON) > 0 {
		if err := json.Unmarshal(oldJSON, &entry.OldValues); err != nil {
			return err
		}
	}
	if len(newJSON) > 0 {
		if err := json.Unmarshal(newJSON, &entry.NewValues); err != nil {
			return err
		}
	}
	return nil
}
