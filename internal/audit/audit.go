// Package audit maintains the append-only trail of state-changing actions.
// Records are evidence, not state: nothing in this package (or its stores)
// can update or delete an entry once written.
package audit

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"paneldesk.org/internal/obs"
)

// Lifecycle actions recorded for audited entities. Callers may log any
// other action string through Log (e.g. "unblock_ip", "login").
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Entry is one immutable audit record. UserID is empty for system actions;
// IPAddress and UserAgent are empty when no request context exists.
type Entry struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id,omitempty"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	OldValues  map[string]any `json:"old_values,omitempty"`
	NewValues  map[string]any `json:"new_values,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Action     string
	EntityType string
	EntityID   string
	UserID     string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// Store persists entries. Append-only: there is deliberately no update or
// delete operation.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
}

// ErrNotFound is returned when an audit record id does not exist.
var ErrNotFound = errors.New("audit: not found")

// Service writes and reads audit records.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService constructs a Service over the given store.
func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	return &Service{store: store, now: time.Now}, nil
}

// Log appends one record for an explicit action. Actor and request context
// come from the context when present; absent attribution stays empty
// rather than being faked.
func (s *Service) Log(ctx context.Context, action, entityType, entityID string, oldValues, newValues map[string]any) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return errors.New("audit: action is required")
	}
	actor := ActorFromContext(ctx)
	entry := &Entry{
		UserID:     actor.UserID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		OldValues:  oldValues,
		NewValues:  newValues,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.Append(ctx, entry); err != nil {
		return err
	}
	obs.ObserveAuditRecord(action)
	return nil
}

// List returns records matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]Entry, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.store.List(ctx, filter)
}

// Get fetches one record by id.
func (s *Service) Get(ctx context.Context, id string) (Entry, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Entry{}, ErrNotFound
	}
	return s.store.Get(ctx, id)
}

// Diff compares two snapshots of an entity's fields and returns the
// pre-change and post-change values for exactly the fields that differ.
// Both maps are nil when nothing changed, which callers treat as "write
// no record".
func Diff(before, after map[string]any) (oldValues, newValues map[string]any) {
	for key, newVal := range after {
		oldVal, existed := before[key]
		if existed && reflect.DeepEqual(oldVal, newVal) {
			continue
		}
		if oldValues == nil {
			oldValues = map[string]any{}
			newValues = map[string]any{}
		}
		if existed {
			oldValues[key] = oldVal
		} else {
			oldValues[key] = nil
		}
		newValues[key] = newVal
	}
	for key, oldVal := range before {
		if _, still := after[key]; still {
			continue
		}
		if oldValues == nil {
			oldValues = map[string]any{}
			newValues = map[string]any{}
		}
		oldValues[key] = oldVal
		newValues[key] = nil
	}
	return oldValues, newValues
}
