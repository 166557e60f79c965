package report

import (
	"context"

	"kassenbuch/internal/core"
)

// TotalsExporter is the outbound port for publishing one year's budget
// report. The worker depends on this, never on a concrete spreadsheet
// client.
type TotalsExporter interface {
	// ExportYear replaces the report for one year with the given totals,
	// keyed by category code.
	ExportYear(ctx context.Context, year string, totals map[string]core.CategoryTotals) error
}
