package main

// ---------------------------------------------------------------------------
// cmd_verify.go: evidence integrity checks and forensic session export
// ---------------------------------------------------------------------------

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/1sec-project/secengine/internal/forensics"
)

type verifyResult struct {
	ID        string                 `json:"id"`
	Type      forensics.EvidenceType `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Valid     bool                   `json:"valid"`
	Error     string                 `json:"error,omitempty"`
}

func cmdVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	exportSession := fs.String("export-session", "", "Export a forensic session by ID")
	dir := fs.String("dir", ".", "Export directory")
	sessions := fs.Bool("sessions", false, "List forensic sessions")
	format := fs.String("format", "table", "Output format: table, json, csv")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	cfg := loadConfig(*configPath, true)
	outFmt := parseFormat(*format)

	eng := offlineEngine(cfg, true)
	defer eng.Close()
	fl := eng.Forensics

	if *exportSession != "" {
		path, err := fl.ExportSessionFile(*dir, *exportSession)
		if err != nil {
			errorf("exporting session: %v", err)
		}
		fmt.Fprintf(os.Stdout, "%s exported %s\n", green("✓"), path)
		return
	}

	if *sessions {
		list := fl.Sessions()
		t := NewTable(os.Stdout, "session", "started", "duration", "events", "evidence")
		for _, s := range list {
			t.AddRow(s.ID, s.StartedAt.Format(time.RFC3339), s.Duration.Round(time.Second).String(),
				strconv.Itoa(s.EventCount), strconv.Itoa(s.EvidenceCount))
		}
		emit(os.Stdout, outFmt, t, list)
		return
	}

	ids := fs.Args()
	if len(ids) == 0 {
		for _, ev := range fl.QueryEvidence(forensics.Query{}) {
			ids = append(ids, ev.ID)
		}
	}

	results := make([]verifyResult, 0, len(ids))
	failed := 0
	for _, id := range ids {
		r := verifyResult{ID: id}
		if ev, err := fl.GetEvidence(id); err == nil {
			r.Type, r.UserID, r.SessionID, r.Timestamp = ev.Type, ev.UserID, ev.SessionID, ev.Timestamp
		}
		ok, err := fl.VerifyEvidence(id)
		r.Valid = ok
		if err != nil {
			r.Error = err.Error()
			if errors.Is(err, forensics.ErrEvidenceNotFound) {
				r.Error = "not found"
			}
		}
		if !r.Valid {
			failed++
		}
		results = append(results, r)
	}

	t := NewTable(os.Stdout, "evidence", "type", "user", "collected", "status")
	for _, r := range results {
		status := green("ok")
		switch {
		case r.Error != "":
			status = red(r.Error)
		case !r.Valid:
			status = red("TAMPERED")
		}
		collected := ""
		if !r.Timestamp.IsZero() {
			collected = r.Timestamp.Format(time.RFC3339)
		}
		t.AddRow(r.ID, string(r.Type), r.UserID, collected, status)
	}
	emit(os.Stdout, outFmt, t, results)

	if outFmt == FormatTable {
		fmt.Fprintf(os.Stdout, "\n%d checked, %d failed\n", len(results), failed)
	}
	if failed > 0 {
		eng.Close()
		os.Exit(1)
	}
}
