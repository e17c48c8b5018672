package main

// ---------------------------------------------------------------------------
// cmd_rules.go: list and validate detection, incident and alert rules
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/1sec-project/secengine/internal/alerting"
	"github.com/1sec-project/secengine/internal/core"
	"github.com/1sec-project/secengine/internal/engine"
	"github.com/1sec-project/secengine/internal/incident"
	"github.com/1sec-project/secengine/internal/threat"
)

var ruleKinds = []string{"threat", "incident", "alerting"}

// offlineEngine builds an engine for one-shot commands. The bus is never
// started; with persist false state lives in memory only.
func offlineEngine(cfg *core.Config, persist bool, opts ...engine.Option) *engine.Engine {
	cfg = cfg.Clone()
	cfg.Bus.Enabled = false
	opts = append([]engine.Option{engine.WithLogger(zerolog.Nop())}, opts...)
	if !persist {
		opts = append(opts, engine.WithStore(core.NewMemoryStore()))
	}
	eng, err := engine.New(cfg, opts...)
	if err != nil {
		errorf("creating engine: %v", err)
	}
	return eng
}

func cmdRules(args []string) {
	sub := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("rules "+sub, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	kind := fs.String("kind", "", "Rule kind: threat, incident, alerting")
	format := fs.String("format", "table", "Output format: table, json, csv")
	fs.Parse(args)
	*configPath = envConfig(*configPath)

	if *kind != "" && !validKind(*kind) {
		errorf("unknown rule kind %q (want %s)", *kind, strings.Join(ruleKinds, ", "))
	}
	cfg := loadConfig(*configPath, true)

	switch sub {
	case "list":
		cmdRulesList(cfg, *kind, parseFormat(*format))
	case "validate":
		if fs.NArg() != 1 {
			errorf("usage: secengine rules validate --kind <kind> <file>")
		}
		if *kind == "" {
			errorf("--kind is required for validate")
		}
		cmdRulesValidate(cfg, *kind, fs.Arg(0))
	default:
		errorf("unknown rules subcommand %q (want list or validate)", sub)
	}
}

func validKind(k string) bool {
	for _, known := range ruleKinds {
		if k == known {
			return true
		}
	}
	return false
}

func cmdRulesList(cfg *core.Config, kind string, outFmt OutputFormat) {
	eng := offlineEngine(cfg, false)
	defer eng.Close()

	t := NewTable(os.Stdout, "kind", "id", "name", "enabled", "severity", "matches", "response")
	out := map[string]interface{}{}
	if kind == "" || kind == "threat" {
		rules := eng.Threats.Rules()
		out["threat"] = rules
		for _, r := range rules {
			t.AddRow("threat", r.ID, r.Name, strconv.FormatBool(r.Enabled), r.Severity.String(),
				fmt.Sprintf("%d in %s", r.Threshold, r.TimeWindow), strings.Join(r.Actions, ","))
		}
	}
	if kind == "" || kind == "incident" {
		rules := eng.Incidents.Rules()
		out["incident"] = rules
		for _, r := range rules {
			t.AddRow("incident", r.ID, r.Name, strconv.FormatBool(r.Enabled), r.Severity.String(),
				incidentTriggers(r), incidentActions(r))
		}
	}
	if kind == "" || kind == "alerting" {
		rules := eng.Alerts.Rules()
		out["alerting"] = rules
		for _, r := range rules {
			t.AddRow("alerting", r.ID, r.Name, strconv.FormatBool(r.Enabled), r.Priority.String(),
				alertTypes(r), alertChannels(r))
		}
	}
	emit(os.Stdout, outFmt, t, out)
}

func incidentTriggers(r incident.Rule) string {
	parts := make([]string, 0, len(r.Triggers))
	for _, tr := range r.Triggers {
		s := string(tr.EventType)
		if tr.Conditions.Count > 1 {
			s += fmt.Sprintf(" x%d/%s", tr.Conditions.Count, tr.Conditions.TimeWindow)
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ",")
}

func incidentActions(r incident.Rule) string {
	parts := make([]string, 0, len(r.AutoResponse))
	for _, a := range r.AutoResponse {
		parts = append(parts, string(a.Type))
	}
	return strings.Join(parts, ",")
}

func alertTypes(r alerting.Rule) string {
	parts := make([]string, 0, len(r.EventTypes))
	for _, et := range r.EventTypes {
		parts = append(parts, string(et))
	}
	return fmt.Sprintf("%s >= %s", strings.Join(parts, ","), r.SeverityThreshold)
}

func alertChannels(r alerting.Rule) string {
	parts := make([]string, 0, len(r.Channels))
	for _, ch := range r.Channels {
		parts = append(parts, string(ch))
	}
	return strings.Join(parts, ",")
}

func cmdRulesValidate(cfg *core.Config, kind, path string) {
	total, errs, err := checkRulesFile(cfg, kind, path)
	if err != nil {
		errorf("%v", err)
	}
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("✗"), e)
	}
	if len(errs) > 0 {
		errorf("%d of %d %s rules invalid", len(errs), total, kind)
	}
	fmt.Fprintf(os.Stdout, "%s %d %s rules valid\n", green("✓"), total, kind)
}

// checkRulesFile loads path as kind and applies it to a scratch engine,
// returning the rule count and the per-rule validation errors.
func checkRulesFile(cfg *core.Config, kind, path string) (int, []error, error) {
	eng := offlineEngine(cfg, false)
	defer eng.Close()

	switch kind {
	case "threat":
		rules, err := threat.LoadRules(path)
		if err != nil {
			return 0, nil, err
		}
		return len(rules), eng.Threats.SetRules(rules), nil
	case "incident":
		rules, err := incident.LoadRules(path)
		if err != nil {
			return 0, nil, err
		}
		return len(rules), eng.Incidents.SetRules(rules), nil
	case "alerting":
		rules, err := alerting.LoadRules(path)
		if err != nil {
			return 0, nil, err
		}
		return len(rules), eng.Alerts.SetRules(rules), nil
	}
	return 0, nil, fmt.Errorf("unknown rule kind %q", kind)
}

// validateRuleFiles checks every rules file the config names.
func validateRuleFiles(cfg *core.Config) []error {
	files := map[string]string{
		"threat":   cfg.Threat.RulesFile,
		"incident": cfg.Incident.RulesFile,
		"alerting": cfg.Alerting.RulesFile,
	}
	var out []error
	for _, kind := range ruleKinds {
		path := files[kind]
		if path == "" {
			continue
		}
		_, errs, err := checkRulesFile(cfg, kind, path)
		if err != nil {
			out = append(out, err)
			continue
		}
		for _, e := range errs {
			out = append(out, fmt.Errorf("%s: %w", path, e))
		}
	}
	return out
}
