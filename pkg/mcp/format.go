package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/insight/pkg/analysis"
	"github.com/pario-ai/insight/pkg/models"
)

const maxErrorColumn = 40

// formatFailure reports a failed ask, keeping whatever text arrived.
func formatFailure(err error, partial string) string {
	if partial == "" {
		return "Error: " + err.Error()
	}
	return fmt.Sprintf("Error: %v\n\nPartial response:\n%s", err, partial)
}

func formatCancelled(partial string) string {
	if partial == "" {
		return "Cancelled."
	}
	return "Cancelled. Partial response:\n" + partial
}

func formatAnalysis(res analysis.Result) string {
	if res.Cached {
		return res.Text + "\n\n(cached)"
	}
	return res.Text
}

// formatCacheInfo formats a cache snapshot as text.
func formatCacheInfo(info models.CacheInfo) string {
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:  %d (%d active, %d expired)\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n",
		info.Total, info.Active, info.Expired,
		info.Stats.Hits, info.Stats.Misses, info.HitRate*100)
}

func formatInvalidated(n int) string {
	if n == 1 {
		return "Removed 1 cache entry."
	}
	return fmt.Sprintf("Removed %d cache entries.", n)
}

// formatRuns formats journaled runs as a text table.
func formatRuns(runs []models.RunRecord) string {
	if len(runs) == 0 {
		return "No runs found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-16s %-12s %-10s %7s %8s %9s  %s\n",
		"Time", "Subject", "Operation", "Outcome", "Chars", "Cached", "Latency", "Error")
	b.WriteString(strings.Repeat("-", 110) + "\n")
	for _, r := range runs {
		cached := ""
		if r.Cached {
			cached = "yes"
		}
		errText := r.Error
		if len(errText) > maxErrorColumn {
			errText = errText[:maxErrorColumn-3] + "..."
		}
		fmt.Fprintf(&b, "%-20s %-16s %-12s %-10s %7d %8s %7dms  %s\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			truncate(r.SubjectID, 16), truncate(r.Operation, 12), r.Outcome,
			r.Chars, cached, r.LatencyMs, errText)
	}
	return b.String()
}

// formatRunStats formats run aggregates as a text table.
func formatRunStats(stats []models.RunStat) string {
	if len(stats) == 0 {
		return "No runs recorded."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-16s %-10s %8s %10s\n", "Day", "Operation", "Outcome", "Runs", "Avg ms")
	b.WriteString(strings.Repeat("-", 60) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-12s %-16s %-10s %8d %10.0f\n",
			s.Day, truncate(s.Operation, 16), s.Outcome, s.Count, s.AvgMs)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
