package forensics

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

type exportRecord struct {
	Type      string          `json:"type"` // "session" or "evidence"
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ExportSession writes the session header followed by every evidence record
// of the session as NDJSON, oldest first. An empty sessionID exports the
// current session.
func (l *Logger) ExportSession(sessionID string, w io.Writer) error {
	session, ok := l.findSession(sessionID)
	if !ok {
		return fmt.Errorf("session %q: %w", sessionID, ErrEvidenceNotFound)
	}

	evidence := l.QueryEvidence(Query{SessionID: session.ID})
	enc := json.NewEncoder(w)

	write := func(kind string, ts time.Time, v interface{}) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshaling %s record: %w", kind, err)
		}
		return enc.Encode(exportRecord{Type: kind, Timestamp: ts, Data: raw})
	}

	if err := write("session", session.StartedAt, session); err != nil {
		return err
	}
	for i := len(evidence) - 1; i >= 0; i-- {
		if err := write("evidence", evidence[i].Timestamp, evidence[i]); err != nil {
			return err
		}
	}
	return nil
}

// ExportSessionFile writes a gzip-compressed export into dir and returns the path.
func (l *Logger) ExportSessionFile(dir, sessionID string) (string, error) {
	session, ok := l.findSession(sessionID)
	if !ok {
		return "", fmt.Errorf("session %q: %w", sessionID, ErrEvidenceNotFound)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating export dir %s: %w", dir, err)
	}

	ts := l.now().UTC().Format("20060102T150405Z")
	path := filepath.Join(dir, fmt.Sprintf("forensics-%s-%s.ndjson.gz", session.ID, ts))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	gz, _ := gzip.NewWriterLevel(f, gzip.BestSpeed)

	exportErr := l.ExportSession(session.ID, gz)
	if err := gz.Close(); err != nil && exportErr == nil {
		exportErr = err
	}
	if err := f.Close(); err != nil && exportErr == nil {
		exportErr = err
	}
	if exportErr != nil {
		_ = os.Remove(path)
		return "", exportErr
	}

	l.logger.Info().Str("session_id", session.ID).Str("file", path).Msg("forensic session exported")
	return path, nil
}

func (l *Logger) findSession(id string) (Session, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.session != nil && (id == "" || id == l.session.ID) {
		return *l.session, true
	}
	for i := len(l.sessions) - 1; i >= 0; i-- {
		if l.sessions[i].ID == id {
			return l.sessions[i], true
		}
	}
	return Session{}, false
}
