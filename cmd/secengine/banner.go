package main

// ---------------------------------------------------------------------------
// banner.go: banner and version/usage/help printing
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"runtime/debug"
)

func bannerText() string {
	text := `
   ┌─────────────────────────────────────────────┐
   │  secengine                                  │
   │  security event correlation and response    │
   └─────────────────────────────────────────────┘
`
	if !colorEnabled() {
		return text
	}
	return "\033[36m" + text + "\033[0m"
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "secengine v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, bannerText())
	fmt.Fprintf(w, "  %s\n\n", dim("v"+version))
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  secengine <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	fmt.Fprintf(w, "  %-10s  %s\n", bold("run"), "Start the engine and serve /metrics until interrupted")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("replay"), "Feed recorded events (NDJSON) through the pipeline")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("report"), "Generate a security report from persisted state")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("rules"), "List or validate threat, incident and alert rules")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("verify"), "Check evidence integrity and export forensic sessions")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("config"), "Show, validate, initialize or audit configuration")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("version"), "Print version and build info")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("help"), "Show help for a command")
	fmt.Fprintf(w, "\n%s\n\n", bold("GLOBAL FLAGS"))
	fmt.Fprintf(w, "  %-22s  %s\n", "--config <path>", "Config file path (default: "+defaultConfigPath+", env: SECENGINE_CONFIG)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--format <fmt>", "Output format: table, json, csv (default: table)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--version, -V", "Print version and exit")
	fmt.Fprintf(w, "  %-22s  %s\n", "--help, -h", "Show help")
	fmt.Fprintf(w, "\n%s\n\n", bold("EXAMPLES"))
	fmt.Fprintf(w, "  %s\n", dim("# Run with defaults"))
	fmt.Fprintf(w, "  secengine run\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Replay yesterday's events without touching stored state"))
	fmt.Fprintf(w, "  secengine replay --input events.ndjson\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Weekly report as JSON"))
	fmt.Fprintf(w, "  secengine report --period weekly --format json\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Check a rules file before deploying it"))
	fmt.Fprintf(w, "  secengine rules validate --kind alerting alerts.yaml\n\n")
	fmt.Fprintf(w, "Run %s for detailed help on any command.\n\n", bold("secengine help <command>"))
}

var commandHelp = map[string]string{
	"run": `Usage: secengine run [flags]

Start the engine, restore persisted state and process events from the bus
until SIGINT or SIGTERM. Prometheus metrics are served on metrics.listen_addr.

Flags:
  --config <path>       Config file path (hot reloaded on change)
  --log-level <level>   Override logging.level
  --metrics-addr <addr> Override metrics.listen_addr ("" disables)
  --dry-run             Validate config and rules, then exit
  --quiet, -q           Suppress banner and non-essential output
  --no-color            Disable color output
`,
	"replay": `Usage: secengine replay [flags]

Read newline-delimited JSON events and run them through detection, incident
response and alerting. The engine clock follows event timestamps, so windows
behave as they did when the events were recorded. By default nothing is
persisted. With --publish the events are sent to the configured bus instead,
where a running engine picks them up.

Flags:
  --config <path>   Config file path
  --input <path>    Event file ("-" for stdin, default)
  --persist         Write results to the configured store
  --publish         Publish to the bus instead of analyzing locally
  --format <fmt>    Summary format: table, json, csv
  --output <path>   Write the summary to a file
  --quiet, -q       Suppress progress output
`,
	"report": `Usage: secengine report [flags]

Generate a security report over persisted events.

Flags:
  --config <path>   Config file path
  --period <p>      daily, weekly or monthly (default: daily)
  --format <fmt>    table, json, csv
  --output <path>   Write the report to a file
  --list            List stored reports instead of generating one
`,
	"rules": `Usage: secengine rules [list|validate] [flags] [file]

  list       Show the active threat, incident and alert rules
  validate   Check a rules file and report every invalid rule

Flags:
  --config <path>   Config file path
  --kind <k>        threat, incident or alerting (default: all for list)
  --format <fmt>    table, json, csv
`,
	"verify": `Usage: secengine verify [flags] [evidence-id...]

Recompute integrity hashes for stored evidence. With no IDs every record is
checked. Exits 1 when any record fails.

Flags:
  --config <path>          Config file path
  --export-session <id>    Write a session's evidence to --dir as JSON
  --dir <path>             Export directory (default: .)
  --format <fmt>           table, json, csv
`,
	"config": `Usage: secengine config [show|validate|init|compliance] [flags]

  show         Print the effective configuration as YAML
  validate     Validate the configuration file
  init <path>  Write the default configuration to path
  compliance   List compliance violations for the configured frameworks
`,
}

func cmdHelp(cmd string) {
	text, ok := commandHelp[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, red("error: ")+"no help for %q\n", cmd)
		if s := suggest(cmd); s != "" {
			fmt.Fprintf(os.Stderr, "       Did you mean %s?\n", bold(s))
		}
		return
	}
	fmt.Fprint(os.Stdout, text)
}
