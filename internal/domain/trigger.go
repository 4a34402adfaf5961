package domain

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrInvalidTrigger marks trigger definitions rejected by validation.
var ErrInvalidTrigger = errors.New("invalid trigger")

// ScopeType selects the topology subtree a trigger applies to.
type ScopeType string

const (
	ScopeAll          ScopeType = "ALL"
	ScopeOrganization ScopeType = "ORGANIZATION"
	ScopeSite         ScopeType = "SITE"
	ScopeCompound     ScopeType = "COMPOUND"
	ScopeCell         ScopeType = "CELL"
)

// Valid reports whether scope type is supported.
func (s ScopeType) Valid() bool {
	switch s {
	case ScopeAll, ScopeOrganization, ScopeSite, ScopeCompound, ScopeCell:
		return true
	default:
		return false
	}
}

// Logic combines per-condition results.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Severity is copied from trigger into every alert it opens.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether severity is supported.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// ActionType is a notification channel kind.
type ActionType string

const (
	ActionEmail   ActionType = "EMAIL"
	ActionSMS     ActionType = "SMS"
	ActionPush    ActionType = "PUSH"
	ActionWebhook ActionType = "WEBHOOK"
)

// Template is one localized subject/body pair keyed by locale.
type Template struct {
	Subject map[string]string `json:"subject,omitempty" toml:"subject"`
	Body    map[string]string `json:"body,omitempty" toml:"body"`
}

// Action is one notification to send when a trigger opens an alert.
// Params: channel type, localized template or webhook URL, and optional recipients.
// Returns: action definition consumed by the notification dispatcher.
type Action struct {
	Type       ActionType `json:"type" toml:"type"`
	Template   Template   `json:"template,omitempty" toml:"template"`
	WebhookURL string     `json:"webhookUrl,omitempty" toml:"webhook_url"`
	Recipients []string   `json:"recipients,omitempty" toml:"recipients"`
}

// Validate checks channel-specific required fields.
// Params: action decoded from catalog source.
// Returns: validation error for missing body or bad webhook URL.
func (a Action) Validate() error {
	switch a.Type {
	case ActionEmail, ActionSMS, ActionPush:
		if len(a.Template.Body) == 0 {
			return fmt.Errorf("%s action requires template body", a.Type)
		}
		for locale, body := range a.Template.Body {
			if strings.TrimSpace(body) == "" {
				return fmt.Errorf("%s action body for locale %q is empty", a.Type, locale)
			}
		}
	case ActionWebhook:
		parsed, err := url.Parse(strings.TrimSpace(a.WebhookURL))
		if err != nil || !parsed.IsAbs() || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("WEBHOOK action requires absolute http(s) webhookUrl")
		}
	default:
		return fmt.Errorf("unsupported action type %q", a.Type)
	}
	return nil
}

// Trigger is one stored rule: scope, conditions, combination logic, actions and severity.
// Params: OrganizationID is empty for global triggers; ScopeID is empty for ALL.
// Returns: read-only rule definition for the engine.
type Trigger struct {
	ID             string
	Name           string
	OrganizationID string
	ScopeType      ScopeType
	ScopeID        string
	Logic          Logic
	Conditions     []Condition
	Actions        []Action
	Severity       Severity
	IsActive       bool
	Description    string
}

// Validate checks trigger invariants.
// Params: trigger with typed conditions and actions.
// Returns: ErrInvalidTrigger-wrapped error describing the first violation.
func (t Trigger) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTrigger)
	}
	if !t.ScopeType.Valid() {
		return fmt.Errorf("%w: unsupported scopeType %q", ErrInvalidTrigger, t.ScopeType)
	}
	if t.ScopeType == ScopeAll && t.ScopeID != "" {
		return fmt.Errorf("%w: scopeType ALL must not carry a scope id", ErrInvalidTrigger)
	}
	if t.ScopeType != ScopeAll && strings.TrimSpace(t.ScopeID) == "" {
		return fmt.Errorf("%w: scopeType %s requires a scope id", ErrInvalidTrigger, t.ScopeType)
	}
	switch t.Logic {
	case LogicAnd, LogicOr:
	default:
		return fmt.Errorf("%w: unsupported conditionLogic %q", ErrInvalidTrigger, t.Logic)
	}
	if !t.Severity.Valid() {
		return fmt.Errorf("%w: unsupported severity %q", ErrInvalidTrigger, t.Severity)
	}
	if len(t.Conditions) == 0 {
		return fmt.Errorf("%w: at least one condition is required", ErrInvalidTrigger)
	}
	for i, cond := range t.Conditions {
		if cond == nil {
			return fmt.Errorf("%w: condition[%d] is nil", ErrInvalidTrigger, i)
		}
		if err := cond.Validate(); err != nil {
			return fmt.Errorf("%w: condition[%d]: %v", ErrInvalidTrigger, i, err)
		}
	}
	if len(t.Actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrInvalidTrigger)
	}
	for i, action := range t.Actions {
		if err := action.Validate(); err != nil {
			return fmt.Errorf("%w: action[%d]: %v", ErrInvalidTrigger, i, err)
		}
	}
	return nil
}

// Metrics returns distinct metrics referenced by trigger conditions in stable order.
func (t Trigger) Metrics() []Metric {
	seen := make(map[Metric]struct{}, len(t.Conditions))
	out := make([]Metric, 0, len(t.Conditions))
	for _, cond := range t.Conditions {
		if cond == nil {
			continue
		}
		metric := cond.Metric()
		if _, ok := seen[metric]; ok {
			continue
		}
		seen[metric] = struct{}{}
		out = append(out, metric)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ReferencesMetric reports whether any condition reads metric.
func (t Trigger) ReferencesMetric(metric Metric) bool {
	for _, cond := range t.Conditions {
		if cond != nil && cond.Metric() == metric {
			return true
		}
	}
	return false
}

// MaxChangeWindowHours returns longest CHANGE window per metric.
// Params: trigger conditions.
// Returns: metric to window hours map, empty when trigger has no CHANGE conditions.
func (t Trigger) MaxChangeWindowHours() map[Metric]float64 {
	out := make(map[Metric]float64)
	for _, cond := range t.Conditions {
		change, ok := cond.(ChangeCondition)
		if !ok {
			continue
		}
		if change.WindowHours > out[change.On] {
			out[change.On] = change.WindowHours
		}
	}
	return out
}

// Equal reports whether two trigger definitions are identical for evaluation purposes.
// Params: other trigger snapshot.
// Returns: true when every evaluated field matches.
func (t Trigger) Equal(other Trigger) bool {
	if t.ID != other.ID || t.Name != other.Name || t.OrganizationID != other.OrganizationID ||
		t.ScopeType != other.ScopeType || t.ScopeID != other.ScopeID || t.Logic != other.Logic ||
		t.Severity != other.Severity || t.IsActive != other.IsActive || t.Description != other.Description {
		return false
	}
	left, errLeft := EncodeConditions(t.Conditions)
	right, errRight := EncodeConditions(other.Conditions)
	if errLeft != nil || errRight != nil || string(left) != string(right) {
		return false
	}
	if len(t.Actions) != len(other.Actions) {
		return false
	}
	for i := range t.Actions {
		if !actionEqual(t.Actions[i], other.Actions[i]) {
			return false
		}
	}
	return true
}

func actionEqual(a, b Action) bool {
	if a.Type != b.Type || a.WebhookURL != b.WebhookURL || len(a.Recipients) != len(b.Recipients) {
		return false
	}
	for i := range a.Recipients {
		if a.Recipients[i] != b.Recipients[i] {
			return false
		}
	}
	return stringMapEqual(a.Template.Subject, b.Template.Subject) && stringMapEqual(a.Template.Body, b.Template.Body)
}

func stringMapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for key, value := range a {
		if other, ok := b[key]; !ok || other != value {
			return false
		}
	}
	return true
}
