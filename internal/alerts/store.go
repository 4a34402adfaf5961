// Package alerts implements the alert lifecycle: open-or-retain, auto-clear and operator transitions.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"grainwatch/internal/domain"
)

var (
	// ErrNotFound indicates absent alert or free dedup slot.
	ErrNotFound = errors.New("alert not found")
	// ErrConflict indicates version mismatch or a dedup slot taken by another alert.
	ErrConflict = errors.New("alert conflict")
	// ErrDedupHeld indicates reopen blocked because another alert holds the dedup key.
	ErrDedupHeld = errors.New("dedup key held by another alert")
	// ErrHoldPending indicates a dedup slot claimed by an alert whose record is not written yet.
	ErrHoldPending = fmt.Errorf("%w: dedup hold pending", ErrConflict)
)

// Store persists alerts and enforces at most one holder per dedup key.
// Params: Create/Update claim or release the key according to Alert.DedupHeld.
// Returns: backend persistence behavior.
type Store interface {
	Create(ctx context.Context, alert domain.Alert) (domain.Alert, error)
	Holder(ctx context.Context, key domain.DedupKey) (domain.Alert, error)
	Get(ctx context.Context, id string) (domain.Alert, error)
	Update(ctx context.Context, alert domain.Alert) (domain.Alert, error)
	List(ctx context.Context, filter Filter) ([]domain.Alert, error)
	Close() error
}

// Filter narrows alert listings. Zero fields match everything.
type Filter struct {
	OrganizationID string
	SiteID         string
	CompoundID     string
	CellID         string
	TriggerID      string
	UserID         string
	Statuses       domain.StatusSet
	Severities     map[domain.Severity]struct{}
	From           time.Time
	To             time.Time
	Limit          int
	Offset         int
}

// Matches reports whether alert passes every non-empty filter field.
// UserID matches assignee or last actor.
func (f Filter) Matches(alert domain.Alert) bool {
	if f.OrganizationID != "" && alert.OrganizationID != f.OrganizationID {
		return false
	}
	if f.SiteID != "" && alert.SiteID != f.SiteID {
		return false
	}
	if f.CompoundID != "" && alert.CompoundID != f.CompoundID {
		return false
	}
	if f.CellID != "" && alert.CellID != f.CellID {
		return false
	}
	if f.TriggerID != "" && (alert.TriggerID == nil || *alert.TriggerID != f.TriggerID) {
		return false
	}
	if f.UserID != "" && alert.AssigneeID != f.UserID && alert.UpdatedBy != f.UserID {
		return false
	}
	if !f.Statuses.Contains(alert.Status) {
		return false
	}
	if len(f.Severities) > 0 {
		if _, ok := f.Severities[alert.Severity]; !ok {
			return false
		}
	}
	if !f.From.IsZero() && alert.StartedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && alert.StartedAt.After(f.To) {
		return false
	}
	return true
}

// sortAndPage orders by StartedAt desc (id asc on ties) and applies offset/limit.
func sortAndPage(items []domain.Alert, filter Filter) []domain.Alert {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].StartedAt.Equal(items[j].StartedAt) {
			return items[i].StartedAt.After(items[j].StartedAt)
		}
		return items[i].ID < items[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(items) {
			return []domain.Alert{}
		}
		items = items[filter.Offset:]
	}
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items
}
