package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"grainwatch/internal/alerts"
	"grainwatch/internal/domain"
)

// ParseFilter builds an alert filter from query parameters.
// Params: query values and the listing cap (0 disables the cap).
// Returns: filter or error naming the first invalid parameter.
func ParseFilter(query url.Values, maxLimit int) (alerts.Filter, error) {
	filter := alerts.Filter{
		OrganizationID: strings.TrimSpace(query.Get("organizationId")),
		SiteID:         strings.TrimSpace(query.Get("siteId")),
		CompoundID:     strings.TrimSpace(query.Get("compoundId")),
		CellID:         strings.TrimSpace(query.Get("cellId")),
		TriggerID:      strings.TrimSpace(query.Get("triggerId")),
		UserID:         strings.TrimSpace(query.Get("userId")),
		Limit:          maxLimit,
	}

	statuses, err := domain.ParseStatusSet(query["status"]...)
	if err != nil {
		return alerts.Filter{}, fmt.Errorf("status: %w", err)
	}
	filter.Statuses = statuses

	for _, value := range query["severity"] {
		for _, part := range strings.Split(value, ",") {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			severity := domain.Severity(part)
			if !severity.Valid() {
				return alerts.Filter{}, fmt.Errorf("severity: unsupported value %q", part)
			}
			if filter.Severities == nil {
				filter.Severities = make(map[domain.Severity]struct{})
			}
			filter.Severities[severity] = struct{}{}
		}
	}

	if filter.From, err = parseTime(query.Get("from")); err != nil {
		return alerts.Filter{}, fmt.Errorf("from: %w", err)
	}
	if filter.To, err = parseTime(query.Get("to")); err != nil {
		return alerts.Filter{}, fmt.Errorf("to: %w", err)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return alerts.Filter{}, fmt.Errorf("to is before from")
	}

	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return alerts.Filter{}, fmt.Errorf("limit: must be a positive integer")
		}
		if maxLimit > 0 && limit > maxLimit {
			limit = maxLimit
		}
		filter.Limit = limit
	}
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return alerts.Filter{}, fmt.Errorf("offset: must be a non-negative integer")
		}
		filter.Offset = offset
	}
	return filter, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 timestamp, got %q", raw)
	}
	return value.UTC(), nil
}
