package core

import (
	"errors"
	"testing"
)

func TestCondition_Match(t *testing.T) {
	e := NewSecurityEvent(EventPaymentFailed, "alice@example.com", SeverityHigh).
		WithDetail("amount", 250.0).
		WithDetail("reason", "card_declined").
		WithDetail("tags", []interface{}{"retry", "3ds"}).
		WithDetail("meta", map[string]interface{}{"gateway": "stripe"})

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"type equals", Condition{Field: "type", Operator: OpEquals, Value: "payment_failed"}, true},
		{"type not equal", Condition{Field: "type", Operator: OpEquals, Value: "auth_failure"}, false},
		{"numeric equals across types", Condition{Field: "details.amount", Operator: OpEquals, Value: 250}, true},
		{"severity equals", Condition{Field: "severity", Operator: OpEquals, Value: "high"}, true},
		{"contains string", Condition{Field: "details.reason", Operator: OpContains, Value: "declined"}, true},
		{"contains list", Condition{Field: "details.tags", Operator: OpContains, Value: "3ds"}, true},
		{"contains list miss", Condition{Field: "details.tags", Operator: OpContains, Value: "3d"}, false},
		{"greater", Condition{Field: "details.amount", Operator: OpGreaterThan, Value: 100}, true},
		{"greater miss", Condition{Field: "details.amount", Operator: OpGreaterThan, Value: 250}, false},
		{"less", Condition{Field: "details.amount", Operator: OpLessThan, Value: "300"}, true},
		{"regex user", Condition{Field: "userId", Operator: OpRegex, Value: `@example\.com$`}, true},
		{"nested path", Condition{Field: "details.meta.gateway", Operator: OpEquals, Value: "stripe"}, true},
		{"exists", Condition{Field: "details.reason", Operator: OpExists}, true},
		{"exists false", Condition{Field: "details.missing", Operator: OpExists, Value: false}, true},
		{"missing field", Condition{Field: "details.missing", Operator: OpEquals, Value: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.cond
			if err := c.Compile(); err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if got := c.Match(e); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCondition_CompileRejectsMalformed(t *testing.T) {
	bad := []Condition{
		{Field: "details.x", Operator: OpRegex, Value: "(unclosed"},
		{Field: "details.x", Operator: OpRegex, Value: 5},
		{Field: "details.x", Operator: "startsWith", Value: "a"},
		{Field: "amount", Operator: OpEquals, Value: 1},
		{Field: "details.x", Operator: OpGreaterThan, Value: "lots"},
		{Field: "details.x", Operator: OpEquals},
		{Field: "", Operator: OpExists},
	}
	for _, c := range bad {
		c := c
		var verr *ValidationError
		if err := c.Compile(); !errors.As(err, &verr) {
			t.Errorf("Compile(%+v) = %v, want ValidationError", c, err)
		}
	}
}

func TestMatchAll(t *testing.T) {
	e := NewSecurityEvent(EventDataExport, "bob", SeverityMedium).WithDetail("rows", 5000)
	conds := []Condition{
		{Field: "type", Operator: OpEquals, Value: "data_export"},
		{Field: "details.rows", Operator: OpGreaterThan, Value: 1000},
	}
	if err := CompileAll("test", conds); err != nil {
		t.Fatal(err)
	}
	if !MatchAll(conds, e) {
		t.Error("all conditions should match")
	}
	conds[1].Value = 10000
	if MatchAll(conds, e) {
		t.Error("one failing condition must fail the set")
	}
	if !MatchAll(nil, e) {
		t.Error("no conditions match everything")
	}
}
