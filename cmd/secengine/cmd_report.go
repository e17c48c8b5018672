package main

// ---------------------------------------------------------------------------
// cmd_report.go: generate or list security reports
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/1sec-project/secengine/internal/metrics"
)

func cmdReport(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	period := fs.String("period", "daily", "Report period: daily, weekly, monthly")
	format := fs.String("format", "table", "Output format: table, json, csv")
	output := fs.String("output", "", "Write the report to a file")
	list := fs.Bool("list", false, "List stored reports")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	cfg := loadConfig(*configPath, true)
	outFmt := parseFormat(*format)

	eng := offlineEngine(cfg, true)
	defer eng.Close()

	w, closeOut := outputWriter(*output)
	defer closeOut()

	if *list {
		reports := eng.Metrics.Reports()
		t := NewTable(w, "id", "period", "generated", "events", "risk", "compliance", "findings")
		for _, r := range reports {
			t.AddRow(truncate(r.ID, 12), string(r.Period), r.GeneratedAt.Format(time.RFC3339),
				strconv.Itoa(r.Metrics.TotalEvents), strconv.Itoa(r.Metrics.RiskScore),
				strconv.Itoa(r.Metrics.ComplianceScore), strconv.Itoa(len(r.Findings)))
		}
		emit(w, outFmt, t, reports)
		return
	}

	report, err := eng.Metrics.GenerateReport(metrics.ReportPeriod(*period))
	if err != nil {
		errorf("%v", err)
	}

	t := NewTable(w, "severity", "category", "finding", "description")
	for _, f := range report.Findings {
		t.AddRow(f.Severity.String(), f.Category, f.Title, truncate(f.Description, 80))
	}
	if outFmt != FormatTable {
		emit(w, outFmt, t, report)
		return
	}
	printReportHeader(w, report)
	if len(report.Findings) > 0 {
		t.Render()
	} else {
		fmt.Fprintf(w, "%s No findings.\n", green("✓"))
	}
	if len(report.Recommendations) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold("RECOMMENDATIONS"))
		for _, rec := range report.Recommendations {
			fmt.Fprintf(w, "  • %s\n", rec)
		}
	}
}

func printReportHeader(w io.Writer, r *metrics.SecurityReport) {
	m := r.Metrics
	fmt.Fprintf(w, "%s %s report %s → %s\n\n", bold("▸"), r.Period,
		r.From.Format(time.RFC3339), r.To.Format(time.RFC3339))
	fmt.Fprintf(w, "  %-18s %d\n", "events", m.TotalEvents)
	fmt.Fprintf(w, "  %-18s %d\n", "critical events", m.CriticalEvents)
	fmt.Fprintf(w, "  %-18s %d/100\n", "risk score", m.RiskScore)
	fmt.Fprintf(w, "  %-18s %d/100\n", "compliance score", m.ComplianceScore)

	keys := make([]string, 0, len(m.Summary))
	for k := range m.Summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-18s %d\n", k, m.Summary[k])
	}
	fmt.Fprintln(w)
}
