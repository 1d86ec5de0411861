// Package report renders simulator data as terminal tables.
package report

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/always-cache/proxysim/executor"
	"github.com/always-cache/proxysim/metrics"
	squidconf "github.com/always-cache/proxysim/pkg/squid-conf"
	"github.com/always-cache/proxysim/runner"
	"github.com/always-cache/proxysim/store"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

const timeLayout = "2006-01-02 15:04:05"

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	sumStyle    = cellStyle.Bold(true)
	titleStyle  = lipgloss.NewStyle().Bold(true)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func cost(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func score(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func nullInt(v sql.NullInt64) string {
	if !v.Valid {
		return "-"
	}
	return strconv.FormatInt(v.Int64, 10)
}

func nullCost(v sql.NullFloat64) string {
	if !v.Valid {
		return "-"
	}
	return cost(v.Float64)
}

// Runs renders a run listing.
func Runs(runs []store.RunSummary) string {
	t := newTable("ID", "Name", "Trace", "Start", "Duration", "Version", "Miss cost", "Caches", "Requests", "Avg ms", "Total cost")
	for _, r := range runs {
		t.Row(
			strconv.FormatInt(r.ID, 10),
			r.Name,
			r.TraceName,
			r.StartTime.Format(timeLayout),
			r.EndTime.Sub(r.StartTime.Time).Round(time.Millisecond).String(),
			strconv.Itoa(r.AlgorithmVersion),
			cost(r.MissPenalty),
			strconv.Itoa(r.Caches),
			strconv.Itoa(r.Requests),
			strconv.FormatInt(r.AverageElapsedMs(), 10),
			nullCost(r.TotalCost),
		)
	}
	return t.String()
}

// Requests renders requests in the given order.
func Requests(requests []store.Request) string {
	t := newTable("ID", "Time", "URL", "Run", "Elapsed ms", "Bytes")
	for _, r := range requests {
		run := "-"
		if r.RunID != 0 {
			run = strconv.FormatInt(r.RunID, 10)
		}
		t.Row(
			strconv.FormatInt(r.ID, 10),
			r.Time.Format(timeLayout),
			r.URL,
			run,
			nullInt(r.ElapsedMs),
			nullInt(r.DownloadBytes),
		)
	}
	return t.String()
}

// Caches renders the live registry.
func Caches(peers []squidconf.Peer, missPenalty float64, version int) string {
	t := newTable("Cache", "Address", "Access cost")
	for _, p := range peers {
		t.Row(p.Name, p.Address, cost(p.AccessCost))
	}
	return fmt.Sprintf("%s\nMiss penalty: %s  Algorithm version: %d\n", t.String(), cost(missPenalty), version)
}

// Snapshot renders a run's cache snapshot.
func Snapshot(snapshot []store.CacheCost) string {
	t := newTable("Cache", "Access cost")
	for _, c := range snapshot {
		t.Row(c.Name, cost(c.AccessCost))
	}
	return t.String()
}

// Traces renders a trace listing.
func Traces(traces []store.Trace) string {
	t := newTable("ID", "Name", "Entries", "Last update")
	for _, tr := range traces {
		updated := "-"
		if !tr.LastUpdate.IsZero() {
			updated = tr.LastUpdate.Format(timeLayout)
		}
		t.Row(strconv.FormatInt(tr.ID, 10), tr.Name, strconv.Itoa(tr.Entries), updated)
	}
	return t.String()
}

// URLCounts renders trace entries grouped by URL.
func URLCounts(counts []store.URLCount) string {
	t := newTable("URL", "Count")
	for _, c := range counts {
		t.Row(c.URL, strconv.Itoa(c.Count))
	}
	return t.String()
}

// Scores renders classification metrics. The Sum row is bold.
func Scores(scores []metrics.Score) string {
	t := newTable("Cache", "TN", "FP", "FN", "TP", "Accuracy", "Recall", "Precision", "F1")
	sumRow := -1
	for i, s := range scores {
		if s.Name == metrics.Sum {
			sumRow = i
		}
		t.Row(
			s.Name,
			strconv.Itoa(s.Counts.TN),
			strconv.Itoa(s.Counts.FP),
			strconv.Itoa(s.Counts.FN),
			strconv.Itoa(s.Counts.TP),
			score(s.Accuracy),
			score(s.Recall),
			score(s.Precision),
			score(s.F1),
		)
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		switch row {
		case table.HeaderRow:
			return headerStyle
		case sumRow:
			return sumStyle
		}
		return cellStyle
	})
	return t.String()
}

// RunReport renders the metrics and cost of a run.
func RunReport(r metrics.RunReport) string {
	var b strings.Builder
	fmt.Fprintln(&b, titleStyle.Render(fmt.Sprintf("Run %d %s", r.Run.ID, r.Run.Name)))
	fmt.Fprintln(&b, Scores(r.Scores))
	fmt.Fprintf(&b, "Requests: %d  Total cost: %s  Average cost: %s\n",
		r.Cost.Requests, cost(r.Cost.Total), cost(r.Cost.Average()))
	return b.String()
}

// Summary renders the outcome of a run.
func Summary(s runner.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %d %s: fired %d, succeeded %d", s.RunID, s.State, s.Fired, s.Succeeded)
	if s.Interrupted {
		b.WriteString(" (interrupted)")
	}
	b.WriteString("\n")
	if s.CostErr != nil {
		fmt.Fprintf(&b, "Cost unavailable: %v\n", s.CostErr)
	} else {
		fmt.Fprintf(&b, "Requests: %d  Total cost: %s  Average cost: %s\n",
			s.Cost.Requests, cost(s.Cost.Total), cost(s.Cost.Average()))
	}
	return b.String()
}

// Single renders an ad-hoc request and how it was resolved.
func Single(r executor.SingleResult) string {
	t := newTable("Field", "Value")
	t.Row("Request", strconv.FormatInt(r.RequestID, 10))
	if r.Err != nil {
		t.Row("Error", r.Err.Error())
	} else {
		t.Row("Status", strconv.Itoa(r.StatusCode))
		t.Row("Elapsed", r.Elapsed.Round(time.Millisecond).String())
		t.Row("Bytes", strconv.FormatInt(r.Bytes, 10))
	}
	if r.OK {
		t.Row("Reconciled", strconv.FormatBool(r.Reconciled))
		t.Row("Served by", r.Cache)
		t.Row("Indicated", list(r.Details.Indicated))
		t.Row("Accessed", list(r.Details.Accessed))
		t.Row("Resolved", list(r.Details.Resolved))
		t.Row("Cost", cost(r.Cost))
	}
	for _, cs := range r.CacheStatus {
		t.Row("Cache-Status", cs.String())
	}
	if r.HasAge {
		t.Row("Age", r.Age.String())
	}
	return t.String()
}

func list(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ", ")
}
