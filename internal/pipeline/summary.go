package pipeline

import (
	"fmt"
	"strings"
	"text/tabwriter"
)

// FormatSummary renders the per-variant outcome of a run as plain text.
func FormatSummary(result *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %d completed, %d failed", result.RunID, result.Summary.Completed, result.Summary.Failed)
	if result.Cancelled {
		b.WriteString(" (cancelled)")
	}
	b.WriteString("\n")

	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VARIANT\tSTATUS\tCOLLECTION\tCREATED\tREUSED\tFALLBACK\tDETAIL")
	for _, v := range result.Variants {
		collection := v.CollectionID
		if collection == "" {
			collection = "-"
		}
		detail := "-"
		if v.Status == StatusFailed {
			detail = v.Error
			if v.FailedStage != "" {
				detail = fmt.Sprintf("%s: %s", v.FailedStage, v.Error)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", v.Variant, v.Status, collection, v.Created, v.Reused, v.Fallback, detail)
	}
	_ = w.Flush()
	return b.String()
}
