package main

// ---------------------------------------------------------------------------
// cmd_replay.go: feed recorded events through the pipeline
// ---------------------------------------------------------------------------

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/secengine/internal/core"
	"github.com/1sec-project/secengine/internal/engine"
)

const maxEventLine = 1 << 20

// replayClock follows the timestamps of replayed events so detection windows
// see the original spacing. It never moves backwards, and reads the wall
// clock until the first event arrives.
type replayClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *replayClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.t.IsZero() {
		return time.Now().UTC()
	}
	return c.t
}

func (c *replayClock) observe(at time.Time) {
	c.mu.Lock()
	if at.After(c.t) {
		c.t = at
	}
	c.mu.Unlock()
}

type replaySummary struct {
	Lines     int `json:"lines"`
	Malformed int `json:"malformed"`
	Logged    int `json:"logged"`
	Dropped   int `json:"dropped"`
	Threats   int `json:"threats"`
	Incidents int `json:"incidents"`
	Alerts    int `json:"alerts"`
	Evidence  int `json:"evidence"`
}

// decodeEvents calls fn for every well-formed event in r, one JSON object
// per line. Blank lines are skipped.
func decodeEvents(r io.Reader, fn func(*core.SecurityEvent)) (lines, malformed int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxEventLine)
	for sc.Scan() {
		raw := sc.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		lines++
		ev, err := core.UnmarshalSecurityEvent(raw)
		if err != nil || ev.Type == "" {
			malformed++
			continue
		}
		fn(ev)
	}
	return lines, malformed, sc.Err()
}

func cmdReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	input := fs.String("input", "-", "Event file (- for stdin)")
	persist := fs.Bool("persist", false, "Write results to the configured store")
	format := fs.String("format", "table", "Output format: table, json, csv")
	output := fs.String("output", "", "Write the summary to a file")
	publish := fs.Bool("publish", false, "Publish events to the configured bus instead of analyzing them here")
	quiet := fs.Bool("quiet", false, "Suppress progress output")
	fs.BoolVar(quiet, "q", false, "Suppress progress output")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	cfg := loadConfig(*configPath, *quiet)

	var in io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			errorf("opening input: %v", err)
		}
		defer f.Close()
		in = f
	}

	if *publish {
		publishEvents(cfg, in, *format, *output, *quiet)
		return
	}

	clock := &replayClock{}
	eng := offlineEngine(cfg, *persist, engine.WithClock(clock.Now), engine.WithSourceTimestamps())

	var sum replaySummary
	lines, malformed, err := decodeEvents(in, func(ev *core.SecurityEvent) {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		clock.observe(ev.Timestamp)
		if eng.LogEvent(ev) != nil {
			sum.Logged++
		} else {
			sum.Dropped++
		}
		if !*quiet && (sum.Logged+sum.Dropped)%1000 == 0 {
			fmt.Fprintf(os.Stderr, "%s %d events\n", dim("▸"), sum.Logged+sum.Dropped)
		}
	})
	if err != nil {
		eng.Close()
		errorf("reading events: %v", err)
	}
	sum.Lines, sum.Malformed = lines, malformed
	eng.Threats.AnalyzeBatch()

	sum.Threats = len(eng.Threats.Threats())
	sum.Incidents = len(eng.Incidents.Incidents())
	sum.Alerts = len(eng.Alerts.Alerts())
	if n, ok := eng.Forensics.Stats()["evidence"].(int); ok {
		sum.Evidence = n
	}
	incidents := eng.Incidents.Incidents()
	if err := eng.Close(); err != nil {
		warnf("closing engine: %v", err)
	}

	w, closeOut := outputWriter(*output)
	defer closeOut()

	t := NewTable(w, "metric", "value")
	for _, row := range [][2]string{
		{"lines", strconv.Itoa(sum.Lines)},
		{"malformed", strconv.Itoa(sum.Malformed)},
		{"logged", strconv.Itoa(sum.Logged)},
		{"dropped", strconv.Itoa(sum.Dropped)},
		{"threats", strconv.Itoa(sum.Threats)},
		{"incidents", strconv.Itoa(sum.Incidents)},
		{"alerts", strconv.Itoa(sum.Alerts)},
		{"evidence", strconv.Itoa(sum.Evidence)},
	} {
		t.AddRow(row[0], row[1])
	}
	emit(w, parseFormat(*format), t, map[string]interface{}{
		"summary":   sum,
		"incidents": incidents,
	})

	if parseFormat(*format) == FormatTable && len(incidents) > 0 {
		it := NewTable(w, "incident", "rule", "severity", "user", "events", "actions")
		for _, inc := range incidents {
			it.AddRow(truncate(inc.ID, 12), inc.RuleID, inc.Severity.String(), inc.UserID,
				strconv.Itoa(len(inc.Events)), strconv.Itoa(len(inc.Actions)))
		}
		fmt.Fprintln(w)
		it.Render()
	}
}

// publishBusConfig points a client at the bus a running engine owns. An
// embedded server is reached on its configured port rather than started again.
func publishBusConfig(cfg *core.Config) *core.BusConfig {
	bc := cfg.Bus
	if bc.Embedded {
		bc.Embedded = false
		bc.URL = fmt.Sprintf("nats://127.0.0.1:%d", bc.Port)
	}
	return &bc
}

func publishEvents(cfg *core.Config, in io.Reader, format, output string, quiet bool) {
	bus, err := core.NewEventBus(publishBusConfig(cfg), zerolog.Nop())
	if err != nil {
		errorf("connecting to bus: %v", err)
	}

	var published, failed int
	lines, malformed, err := decodeEvents(in, func(ev *core.SecurityEvent) {
		if err := bus.PublishEvent(ev); err != nil {
			failed++
			if !quiet && failed == 1 {
				warnf("publishing: %v", err)
			}
			return
		}
		published++
	})
	bus.Close()
	if err != nil {
		errorf("reading events: %v", err)
	}

	w, closeOut := outputWriter(output)
	defer closeOut()
	t := NewTable(w, "metric", "value")
	t.AddRow("lines", strconv.Itoa(lines))
	t.AddRow("malformed", strconv.Itoa(malformed))
	t.AddRow("published", strconv.Itoa(published))
	t.AddRow("failed", strconv.Itoa(failed))
	emit(w, parseFormat(format), t, map[string]int{
		"lines": lines, "malformed": malformed, "published": published, "failed": failed,
	})
	if failed > 0 {
		os.Exit(1)
	}
}
