package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"grainwatch/internal/domain"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Alerts"

var exportHeaders = []string{
	"Alert ID", "Trigger ID", "Trigger", "Organization", "Site", "Compound", "Cell",
	"Severity", "Status", "Metric", "Value", "Started At", "Resolved At", "Assignee", "Updated By",
}

var exportColumnWidths = []float64{38, 38, 28, 16, 20, 20, 20, 12, 14, 14, 10, 22, 22, 18, 18}

func (h *Handler) export(writer http.ResponseWriter, request *http.Request) {
	filter, err := ParseFilter(request.URL.Query(), h.maxLimit)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err)
		return
	}
	items, err := h.service.List(request.Context(), filter)
	if err != nil {
		h.writeServiceError(writer, request, err)
		return
	}
	content, err := BuildWorkbook(items)
	if err != nil {
		h.logger.Error("alert export failed", "error", err.Error())
		writeError(writer, http.StatusInternalServerError, fmt.Errorf("build export"))
		return
	}
	writer.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	writer.Header().Set("Content-Disposition", `attachment; filename="alerts.xlsx"`)
	writer.WriteHeader(http.StatusOK)
	_, _ = writer.Write(content)
}

// BuildWorkbook renders alerts into a single-sheet XLSX document.
// Params: alerts in display order.
// Returns: workbook bytes or excelize error.
func BuildWorkbook(items []domain.Alert) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	header := make([]any, len(exportHeaders))
	for i, name := range exportHeaders {
		header[i] = name
	}
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	lastHeader, err := excelize.CoordinatesToCellName(len(exportHeaders), 1)
	if err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(exportSheet, "A1", lastHeader, headerStyle); err != nil {
		return nil, fmt.Errorf("style header: %w", err)
	}
	for i, width := range exportColumnWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetColWidth(exportSheet, col, col, width); err != nil {
			return nil, fmt.Errorf("set column width %s: %w", col, err)
		}
	}

	for i, alert := range items {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := exportRow(alert)
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if err := f.SetPanes(exportSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func exportRow(alert domain.Alert) []any {
	triggerID := ""
	if alert.TriggerID != nil {
		triggerID = *alert.TriggerID
	}
	resolvedAt := ""
	if alert.ResolvedAt != nil {
		resolvedAt = alert.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return []any{
		alert.ID,
		triggerID,
		alert.TriggerName,
		alert.OrganizationID,
		firstNonEmpty(alert.Labels.SiteName, alert.SiteID),
		firstNonEmpty(alert.Labels.CompoundName, alert.CompoundID),
		firstNonEmpty(alert.Labels.CellName, alert.CellID),
		string(alert.Severity),
		string(alert.Status),
		string(alert.Metric),
		alert.Value,
		alert.StartedAt.UTC().Format(time.RFC3339),
		resolvedAt,
		firstNonEmpty(alert.Labels.AssigneeName, alert.AssigneeID),
		alert.UpdatedBy,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
