package domain

import "time"

// Notification is one rendered outbound message for one trigger action.
// Params: alert/trigger identity, channel kind, rendered text, and delivery target.
// Returns: payload handed to channel backends.
type Notification struct {
	AlertID     string     `json:"alertId"`
	TriggerID   string     `json:"triggerId"`
	TriggerName string     `json:"triggerName"`
	CellID      string     `json:"cellId"`
	Severity    Severity   `json:"severity"`
	Channel     ActionType `json:"channel"`
	Locale      string     `json:"locale,omitempty"`
	Subject     string     `json:"subject,omitempty"`
	Body        string     `json:"body"`
	WebhookURL  string     `json:"webhookUrl,omitempty"`
	Recipients  []string   `json:"recipients,omitempty"`
	// Variables carries the template values so webhook receivers get structured data.
	Variables map[string]string `json:"variables,omitempty"`
	FiredAt   time.Time         `json:"firedAt"`
}
