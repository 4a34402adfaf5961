package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is alert lifecycle state.
// Params: OPEN/ACKNOWLEDGED/IN_PROGRESS/RESOLVED/DISMISSED constants.
// Returns: state used by lifecycle manager, stores, and API.
type Status string

const (
	// StatusOpen is the initial state of every alert.
	StatusOpen Status = "OPEN"
	// StatusAcknowledged indicates an operator saw the alert.
	StatusAcknowledged Status = "ACKNOWLEDGED"
	// StatusInProgress indicates an operator is handling the alert.
	StatusInProgress Status = "IN_PROGRESS"
	// StatusResolved is terminal; set by auto-clear or operator.
	StatusResolved Status = "RESOLVED"
	// StatusDismissed is terminal; set by operator only.
	StatusDismissed Status = "DISMISSED"
)

// ErrInvalidTransition marks state changes outside the transition table.
var ErrInvalidTransition = errors.New("invalid alert status transition")

var transitions = map[Status]map[Status]struct{}{
	StatusOpen:         {StatusAcknowledged: {}, StatusInProgress: {}, StatusDismissed: {}},
	StatusAcknowledged: {StatusInProgress: {}, StatusDismissed: {}},
	StatusInProgress:   {StatusResolved: {}, StatusDismissed: {}},
	StatusResolved:     {StatusOpen: {}},
	StatusDismissed:    {StatusOpen: {}},
}

// Valid reports whether status is one of the lifecycle states.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Active reports whether status is non-terminal.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusAcknowledged || s == StatusInProgress
}

// Terminal reports whether status is RESOLVED or DISMISSED.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusDismissed
}

// ParseStatus parses case-insensitive status name.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("unsupported status %q", raw)
	}
	return status, nil
}

// TransitionError describes one rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

// Unwrap exposes ErrInvalidTransition for errors.Is checks.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ValidateTransition checks from -> to against the lifecycle table.
// Params: current and requested status.
// Returns: nil or *TransitionError.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// StatusSet is a parsed status filter.
type StatusSet map[Status]struct{}

// ParseStatusSet parses repeated and comma-separated status values once.
// Params: raw query values such as ["OPEN,ACKNOWLEDGED", "IN_PROGRESS"].
// Returns: status set (nil when no values) or parse error.
func ParseStatusSet(values ...string) (StatusSet, error) {
	var set StatusSet
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, err := ParseStatus(part)
			if err != nil {
				return nil, err
			}
			if set == nil {
				set = make(StatusSet)
			}
			set[status] = struct{}{}
		}
	}
	return set, nil
}

// Contains reports whether status is in the set; empty set contains everything.
func (s StatusSet) Contains(status Status) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[status]
	return ok
}

// Slice returns set members in stable order.
func (s StatusSet) Slice() []Status {
	out := make([]Status, 0, len(s))
	for status := range s {
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DedupKey identifies at most one alert holding the (trigger, cell) slot.
type DedupKey struct {
	TriggerID string
	CellID    string
}

// String renders key as "trigger/cell".
func (k DedupKey) String() string {
	return k.TriggerID + "/" + k.CellID
}

// Labels are display names denormalized into an alert.
// Location labels are set at creation; AssigneeName when the alert is first assigned.
type Labels struct {
	SiteName      string `json:"siteName,omitempty"`
	CompoundName  string `json:"compoundName,omitempty"`
	CellName      string `json:"cellName,omitempty"`
	CommodityType string `json:"commodityType,omitempty"`
	AssigneeName  string `json:"assigneeName,omitempty"`
}

// Alert is one persisted alert record.
// Params: TriggerID is nil once trigger is deleted; DedupHeld marks the alert owning its dedup key.
// Returns: record shared by lifecycle manager, stores, and API.
type Alert struct {
	ID             string     `json:"id"`
	TriggerID      *string    `json:"triggerId"`
	TriggerName    string     `json:"triggerName"`
	OrganizationID string     `json:"organizationId,omitempty"`
	SiteID         string     `json:"siteId,omitempty"`
	CompoundID     string     `json:"compoundId,omitempty"`
	CellID         string     `json:"cellId"`
	Labels         Labels     `json:"labels"`
	Severity       Severity   `json:"severity"`
	Description    string     `json:"description,omitempty"`
	Metric         Metric     `json:"metric,omitempty"`
	Value          float64    `json:"value"`
	Status         Status     `json:"status"`
	StartedAt      time.Time  `json:"startedAt"`
	ResolvedAt     *time.Time `json:"resolvedAt"`
	AssigneeID     string     `json:"assigneeId,omitempty"`
	UpdatedBy      string     `json:"updatedBy,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	DedupHeld      bool       `json:"dedupHeld"`
	DedupTrigger   string     `json:"dedupTrigger"`
	Version        int64      `json:"version"`
}

// Key returns dedup key the alert was opened under.
// DedupTrigger keeps the original trigger id after TriggerID is detached.
func (a Alert) Key() DedupKey {
	return DedupKey{TriggerID: a.DedupTrigger, CellID: a.CellID}
}

// Clone returns deep copy safe to mutate.
func (a Alert) Clone() Alert {
	out := a
	if a.TriggerID != nil {
		id := *a.TriggerID
		out.TriggerID = &id
	}
	if a.ResolvedAt != nil {
		at := *a.ResolvedAt
		out.ResolvedAt = &at
	}
	return out
}
