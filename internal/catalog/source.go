// Package catalog keeps the active trigger snapshot in sync with trigger management.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"grainwatch/internal/config"
	"grainwatch/internal/domain"
)

// Source loads every stored trigger, active or not.
// Params: triggers that fail decoding are returned with ID set and no conditions.
// Returns: trigger definitions or load error.
type Source interface {
	LoadTriggers(ctx context.Context) ([]domain.Trigger, error)
}

// StaticSource serves `[trigger.<id>]` tables from config.
type StaticSource struct {
	load func() ([]config.TriggerConfig, error)
}

// NewStaticSource serves a fixed trigger list.
func NewStaticSource(triggers []config.TriggerConfig) *StaticSource {
	fixed := append([]config.TriggerConfig(nil), triggers...)
	return &StaticSource{load: func() ([]config.TriggerConfig, error) { return fixed, nil }}
}

// NewConfigSource re-reads the config file or directory on every load.
func NewConfigSource(src config.ConfigSource) *StaticSource {
	return &StaticSource{load: func() ([]config.TriggerConfig, error) {
		cfg, err := config.LoadSnapshot(src)
		if err != nil {
			return nil, err
		}
		return cfg.Trigger, nil
	}}
}

// LoadTriggers converts config triggers into domain triggers.
func (s *StaticSource) LoadTriggers(_ context.Context) ([]domain.Trigger, error) {
	items, err := s.load()
	if err != nil {
		return nil, fmt.Errorf("load trigger config: %w", err)
	}
	out := make([]domain.Trigger, 0, len(items))
	for _, item := range items {
		trigger, err := item.ToTrigger()
		if err != nil {
			out = append(out, domain.Trigger{ID: item.ID, Name: item.Name, IsActive: item.Active})
			continue
		}
		out = append(out, trigger)
	}
	return out, nil
}

const selectTriggers = `SELECT id, name, COALESCE(organization_id, ''), scope_type, COALESCE(scope_id, ''),
condition_logic, conditions, actions, severity, is_active, description FROM triggers ORDER BY id`

// PostgresSource reads the triggers table with JSONB conditions and actions.
type PostgresSource struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresSource creates database-backed trigger source.
func NewPostgresSource(db *sql.DB, logger *slog.Logger) *PostgresSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSource{db: db, logger: logger}
}

// LoadTriggers reads all trigger rows; rows with malformed JSON are logged and returned without conditions.
func (s *PostgresSource) LoadTriggers(ctx context.Context) ([]domain.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, selectTriggers)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Trigger, 0)
	for rows.Next() {
		var (
			trigger    domain.Trigger
			scopeType  string
			logic      string
			severity   string
			conditions []byte
			actions    []byte
		)
		if err := rows.Scan(&trigger.ID, &trigger.Name, &trigger.OrganizationID, &scopeType, &trigger.ScopeID,
			&logic, &conditions, &actions, &severity, &trigger.IsActive, &trigger.Description); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		trigger.ScopeType = domain.ScopeType(strings.ToUpper(scopeType))
		trigger.Logic = domain.Logic(strings.ToUpper(logic))
		trigger.Severity = domain.Severity(strings.ToUpper(severity))

		decoded, err := domain.DecodeConditions(conditions)
		if err != nil {
			s.logger.Warn("trigger conditions decode failed", "trigger_id", trigger.ID, "error", err.Error())
			out = append(out, trigger)
			continue
		}
		trigger.Conditions = decoded
		if err := json.Unmarshal(actions, &trigger.Actions); err != nil {
			s.logger.Warn("trigger actions decode failed", "trigger_id", trigger.ID, "error", err.Error())
			trigger.Conditions = nil
			out = append(out, trigger)
			continue
		}
		for i := range trigger.Actions {
			trigger.Actions[i].Type = domain.ActionType(strings.ToUpper(string(trigger.Actions[i].Type)))
		}
		out = append(out, trigger)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read triggers: %w", err)
	}
	return out, nil
}
