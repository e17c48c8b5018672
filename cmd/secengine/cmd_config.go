package main

// ---------------------------------------------------------------------------
// cmd_config.go: show, validate, initialize and audit configuration
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/1sec-project/secengine/internal/core"
)

func cmdConfig(args []string) {
	sub := "show"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("config "+sub, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	format := fs.String("format", "table", "Output format: table, json, csv")
	force := fs.Bool("force", false, "Overwrite an existing file (init)")
	fs.Parse(args)
	*configPath = envConfig(*configPath)

	switch sub {
	case "show":
		cfg := loadConfig(*configPath, true)
		if parseFormat(*format) == FormatJSON {
			if err := writeJSON(os.Stdout, cfg); err != nil {
				errorf("%v", err)
			}
			return
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			errorf("marshaling config: %v", err)
		}
		os.Stdout.Write(data)

	case "validate":
		cfg, err := core.LoadConfig(*configPath)
		if err != nil {
			errorf("%v", err)
		}
		warnings, _ := cfg.Validate()
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
		}
		errs := validateRuleFiles(cfg)
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "%s %v\n", red("✗"), e)
		}
		if len(errs) > 0 {
			errorf("%d rule error(s)", len(errs))
		}
		fmt.Fprintf(os.Stdout, "%s %s is valid\n", green("✓"), *configPath)

	case "init":
		path := *configPath
		if fs.NArg() > 0 {
			path = fs.Arg(0)
		}
		if _, err := os.Stat(path); err == nil && !*force {
			errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			errorf("creating %s: %v", filepath.Dir(path), err)
		}
		if err := core.SaveConfig(core.DefaultConfig(), path); err != nil {
			errorf("%v", err)
		}
		fmt.Fprintf(os.Stdout, "%s wrote %s\n", green("✓"), path)

	case "compliance":
		cfg := loadConfig(*configPath, true)
		violations := core.CheckCompliance(cfg)
		t := NewTable(os.Stdout, "framework", "setting", "issue")
		for _, v := range violations {
			t.AddRow(v.Framework, v.Setting, v.Message)
		}
		if len(violations) == 0 && parseFormat(*format) == FormatTable {
			fmt.Fprintf(os.Stdout, "%s no violations for %s\n", green("✓"),
				strings.Join(cfg.Compliance.Frameworks, ", "))
			return
		}
		emit(os.Stdout, parseFormat(*format), t, violations)

	default:
		errorf("unknown config subcommand %q (want show, validate, init or compliance)", sub)
	}
}
