package cache

import (
	"github.com/adcraft-io/sheetgate/pkg/events"
)

// Cache categories known to the invalidation rules
const (
	CategoryInsights           = "insights"
	CategoryAggregatedInsights = "aggregated-insights"
	CategorySummary            = "summary"
	CategoryConfig             = "config"
	CategoryRunLogs            = "run_logs"
	CategorySheetPrefix        = "sheet:" // + sheet title
	CategoryRowPrefix          = "row:"   // + row id
)

// SheetCategory returns the category for one sheet's row data
func SheetCategory(title string) string { return CategorySheetPrefix + title }

// RowCategory returns the category for one row lookup
func RowCategory(rowID string) string { return CategoryRowPrefix + rowID }

// tagsFor expands an event into the set of category tags it invalidates.
// The table is declarative so the blast radius of each write kind is
// visible in one place. tenant:remove is handled separately (full wipe).
func tagsFor(evt events.Event) []string {
	sheet := evt.Context["sheet"]
	rowID := evt.Context["row_id"]

	switch evt.Name {
	case events.EventSheetWrite:
		return []string{
			CategoryInsights,
			CategorySummary,
			CategoryConfig,
			CategoryRunLogs,
			SheetCategory(sheet),
		}
	case events.EventRowAdd:
		return []string{
			CategoryAggregatedInsights,
			SheetCategory(sheet),
			CategorySummary,
		}
	case events.EventRowUpdate:
		return []string{
			SheetCategory(sheet),
			RowCategory(rowID),
			CategoryAggregatedInsights,
		}
	case events.EventRowDelete:
		return []string{
			SheetCategory(sheet),
			CategoryAggregatedInsights,
		}
	case events.EventConfigUpdate:
		return []string{
			CategoryInsights,
			CategorySummary,
			CategoryConfig,
		}
	}
	return nil
}
