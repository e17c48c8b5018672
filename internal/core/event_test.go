package core

import (
	"math"
	"testing"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
	}{
		{"low", SeverityLow},
		{"MEDIUM", SeverityMedium},
		{" high ", SeverityHigh},
		{"critical", SeverityCritical},
		{"bogus", SeverityLow},
		{"", SeverityLow},
	}
	for _, tt := range tests {
		if got := ParseSeverity(tt.in); got != tt.want {
			t.Errorf("ParseSeverity(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSeverity_UnmarshalYAMLRejectsUnknownNames(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
	}{
		{"severity: high", SeverityHigh},
		{"severity: Crit", SeverityCritical},
		{"severity: info", SeverityLow},
		{"severity: hgih", SeverityInvalid},
		{`severity: ""`, SeverityInvalid},
		{"other: 1", 0},
	}
	for _, tt := range tests {
		var v struct {
			Severity Severity `yaml:"severity"`
		}
		if err := yaml.Unmarshal([]byte(tt.in), &v); err != nil {
			t.Fatalf("%q: %v", tt.in, err)
		}
		if v.Severity != tt.want {
			t.Errorf("%q decoded to %d, want %d", tt.in, v.Severity, tt.want)
		}
		if tt.want == SeverityInvalid && v.Severity.Valid() {
			t.Errorf("%q should not be a valid severity", tt.in)
		}
	}
}

func TestSeverity_Ordering(t *testing.T) {
	if !(SeverityLow < SeverityMedium && SeverityMedium < SeverityHigh && SeverityHigh < SeverityCritical) {
		t.Fatal("severity levels must be ordered low < medium < high < critical")
	}
	if SeverityCritical.Score() != 4 || SeverityLow.Score() != 1 {
		t.Errorf("unexpected scores: low=%d critical=%d", SeverityLow.Score(), SeverityCritical.Score())
	}
}

func TestSecurityEvent_JSONRoundTrip(t *testing.T) {
	e := NewSecurityEvent(EventPaymentFailed, "alice", SeverityHigh).
		WithDetail("amount", 42.5).
		WithDetail("ip", "10.0.0.1")

	data, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal raw: %v", err)
	}
	if raw["severity"] != "high" {
		t.Errorf("severity serialized as %v, want \"high\"", raw["severity"])
	}

	got, err := UnmarshalSecurityEvent(data)
	if err != nil {
		t.Fatalf("UnmarshalSecurityEvent: %v", err)
	}
	if got.ID != e.ID || got.Type != e.Type || got.Severity != e.Severity || got.UserID != "alice" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if amt, ok := got.Amount(); !ok || amt != 42.5 {
		t.Errorf("Amount() = %v, %v", amt, ok)
	}
	if got.IP() != "10.0.0.1" {
		t.Errorf("IP() = %q", got.IP())
	}
}

func TestSecurityEvent_Field(t *testing.T) {
	e := NewSecurityEvent(EventDataExport, "bob", SeverityMedium).
		WithDetail("export", map[string]interface{}{"rows": 5000, "format": "csv"})

	tests := []struct {
		path string
		want interface{}
		ok   bool
	}{
		{"type", "data_export", true},
		{"userId", "bob", true},
		{"severity", "medium", true},
		{"details.export.format", "csv", true},
		{"details.export.rows", 5000, true},
		{"details.export.missing", nil, false},
		{"details.nope.deeper", nil, false},
		{"unknown", nil, false},
	}
	for _, tt := range tests {
		got, ok := e.Field(tt.path)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("Field(%q) = %v, %v; want %v, %v", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSecurityEvent_CloneIsIndependent(t *testing.T) {
	e := NewSecurityEvent(EventAuthFailure, "carol", SeverityLow).WithDetail("k", "v")
	c := e.Clone()
	c.Details["k"] = "changed"
	if e.Details["k"] != "v" {
		t.Error("mutating the clone changed the original details")
	}
}

func TestValidFieldPath(t *testing.T) {
	valid := []string{"type", "userId", "user_id", "severity", "details.amount", "details.a.b"}
	for _, p := range valid {
		if err := ValidFieldPath(p); err != nil {
			t.Errorf("ValidFieldPath(%q) unexpected error: %v", p, err)
		}
	}
	invalid := []string{"", "details.", "details..x", "amount", "Details.amount"}
	for _, p := range invalid {
		if err := ValidFieldPath(p); err == nil {
			t.Errorf("ValidFieldPath(%q) expected error", p)
		}
	}
}

func TestToFloat(t *testing.T) {
	tests := []struct {
		in   interface{}
		want float64
		ok   bool
	}{
		{1.5, 1.5, true},
		{7, 7, true},
		{int64(9), 9, true},
		{"12.25", 12.25, true},
		{"abc", 0, false},
		{"NaN", 0, false},
		{"-Inf", 0, false},
		{"1e400", 0, false},
		{math.NaN(), 0, false},
		{math.Inf(1), 0, false},
		{true, 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := ToFloat(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ToFloat(%v) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSecurityEvent_Domain(t *testing.T) {
	e := NewSecurityEvent(EventCSPViolation, "", SeverityMedium).WithDetail("url", "https://evil.example.com/x.js")
	if got := e.Domain(); got != "evil.example.com" {
		t.Errorf("Domain() = %q", got)
	}
}
