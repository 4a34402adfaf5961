package alerts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"grainwatch/internal/domain"
)

const uniqueViolation = "23505"

const alertColumns = `id, trigger_id, dedup_trigger, trigger_name, organization_id, site_id, compound_id, cell_id,
site_name, compound_name, cell_name, commodity_type, severity, description, metric, value, status,
started_at, resolved_at, assignee_id, assignee_name, updated_by, updated_at, dedup_held, version`

const (
	insertAlert = `INSERT INTO alerts (` + alertColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, 1)`
	selectAlertByID     = `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`
	selectAlertByHolder = `SELECT ` + alertColumns + ` FROM alerts WHERE dedup_trigger = $1 AND cell_id = $2 AND dedup_held`
	updateAlert         = `UPDATE alerts SET trigger_id = $3, status = $4, resolved_at = $5, assignee_id = $6,
assignee_name = $7, updated_by = $8, updated_at = $9, dedup_held = $10, version = version + 1
WHERE id = $1 AND version = $2 RETURNING version`
	selectAlertExists = `SELECT 1 FROM alerts WHERE id = $1`
)

// PostgresStore persists alerts in PostgreSQL.
// Params: database/sql pool over lib/pq; dedup uniqueness comes from alerts_dedup_held_idx.
// Returns: durable alert store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates Postgres alert store over an open pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts alert; unique violation on id or held dedup key is ErrConflict.
func (s *PostgresStore) Create(ctx context.Context, alert domain.Alert) (domain.Alert, error) {
	if alert.ID == "" {
		return domain.Alert{}, errors.New("alert id is required")
	}
	_, err := s.db.ExecContext(ctx, insertAlert,
		alert.ID, nullString(alert.TriggerID), alert.DedupTrigger, alert.TriggerName, alert.OrganizationID,
		alert.SiteID, alert.CompoundID, alert.CellID,
		alert.Labels.SiteName, alert.Labels.CompoundName, alert.Labels.CellName, alert.Labels.CommodityType,
		string(alert.Severity), alert.Description, string(alert.Metric), alert.Value, string(alert.Status),
		alert.StartedAt, nullTime(alert.ResolvedAt), alert.AssigneeID, alert.Labels.AssigneeName,
		alert.UpdatedBy, alert.UpdatedAt, alert.DedupHeld,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Alert{}, ErrConflict
		}
		return domain.Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	alert.Version = 1
	return alert, nil
}

// Holder returns alert holding dedup key.
func (s *PostgresStore) Holder(ctx context.Context, key domain.DedupKey) (domain.Alert, error) {
	return s.queryOne(ctx, selectAlertByHolder, key.TriggerID, key.CellID)
}

// Get returns alert by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (domain.Alert, error) {
	return s.queryOne(ctx, selectAlertByID, id)
}

// Update writes mutable lifecycle fields with version CAS.
// Params: alert carrying the version it was read at.
// Returns: alert with new version, ErrNotFound or ErrConflict.
func (s *PostgresStore) Update(ctx context.Context, alert domain.Alert) (domain.Alert, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, updateAlert,
		alert.ID, alert.Version, nullString(alert.TriggerID), string(alert.Status), nullTime(alert.ResolvedAt),
		alert.AssigneeID, alert.Labels.AssigneeName, alert.UpdatedBy, alert.UpdatedAt, alert.DedupHeld,
	).Scan(&version)
	switch {
	case err == nil:
		alert.Version = version
		return alert, nil
	case isUniqueViolation(err):
		return domain.Alert{}, ErrConflict
	case errors.Is(err, sql.ErrNoRows):
		var one int
		if err := s.db.QueryRowContext(ctx, selectAlertExists, alert.ID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.Alert{}, ErrNotFound
			}
			return domain.Alert{}, fmt.Errorf("check alert: %w", err)
		}
		return domain.Alert{}, ErrConflict
	default:
		return domain.Alert{}, fmt.Errorf("update alert: %w", err)
	}
}

// List returns filtered alerts ordered by started_at desc.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]domain.Alert, error) {
	query, args := buildListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return out, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, args ...any) (domain.Alert, error) {
	alert, err := scanAlert(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Alert{}, ErrNotFound
	}
	if err != nil {
		return domain.Alert{}, fmt.Errorf("load alert: %w", err)
	}
	return alert, nil
}

// buildListQuery renders WHERE clauses with positional args in filter field order.
func buildListQuery(filter Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if filter.OrganizationID != "" {
		add("organization_id = ?", filter.OrganizationID)
	}
	if filter.SiteID != "" {
		add("site_id = ?", filter.SiteID)
	}
	if filter.CompoundID != "" {
		add("compound_id = ?", filter.CompoundID)
	}
	if filter.CellID != "" {
		add("cell_id = ?", filter.CellID)
	}
	if filter.TriggerID != "" {
		add("trigger_id = ?", filter.TriggerID)
	}
	if filter.UserID != "" {
		add("(assignee_id = ? OR updated_by = ?)", filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses.Slice() {
			statuses = append(statuses, string(status))
		}
		add("status = ANY(?)", pq.Array(statuses))
	}
	if len(filter.Severities) > 0 {
		severities := make([]string, 0, len(filter.Severities))
		for severity := range filter.Severities {
			severities = append(severities, string(severity))
		}
		sort.Strings(severities)
		add("severity = ANY(?)", pq.Array(severities))
	}
	if !filter.From.IsZero() {
		add("started_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		add("started_at <= ?", filter.To)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(alertColumns)
	b.WriteString(" FROM alerts")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY started_at DESC, id ASC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		b.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		b.WriteString(" OFFSET $" + strconv.Itoa(len(args)))
	}
	return b.String(), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (domain.Alert, error) {
	var (
		alert      domain.Alert
		triggerID  sql.NullString
		resolvedAt sql.NullTime
		severity   string
		metric     string
		status     string
	)
	err := row.Scan(
		&alert.ID, &triggerID, &alert.DedupTrigger, &alert.TriggerName, &alert.OrganizationID,
		&alert.SiteID, &alert.CompoundID, &alert.CellID,
		&alert.Labels.SiteName, &alert.Labels.CompoundName, &alert.Labels.CellName, &alert.Labels.CommodityType,
		&severity, &alert.Description, &metric, &alert.Value, &status,
		&alert.StartedAt, &resolvedAt, &alert.AssigneeID, &alert.Labels.AssigneeName, &alert.UpdatedBy, &alert.UpdatedAt, &alert.DedupHeld, &alert.Version,
	)
	if err != nil {
		return domain.Alert{}, err
	}
	alert.Severity = domain.Severity(severity)
	alert.Metric = domain.Metric(metric)
	alert.Status = domain.Status(status)
	if triggerID.Valid {
		id := triggerID.String
		alert.TriggerID = &id
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time.UTC()
		alert.ResolvedAt = &at
	}
	alert.StartedAt = alert.StartedAt.UTC()
	alert.UpdatedAt = alert.UpdatedAt.UTC()
	return alert, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}
