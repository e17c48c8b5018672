package core

import (
	"fmt"
	"regexp"
	"strings"
)

// Condition operators.
const (
	OpEquals      = "equals"
	OpContains    = "contains"
	OpGreaterThan = "greaterThan"
	OpLessThan    = "lessThan"
	OpRegex       = "regex"
	OpExists      = "exists"
)

// Condition tests one event field. Field is "type", "userId", "severity" or a
// dotted "details." path.
type Condition struct {
	Field    string      `json:"field" yaml:"field" validate:"required"`
	Operator string      `json:"operator" yaml:"operator" validate:"oneof=equals contains greaterThan lessThan regex exists"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`

	re *regexp.Regexp
}

// Compile validates the condition and prepares its regex. Rules call it at
// load time so a bad condition never reaches the match path.
func (c *Condition) Compile() error {
	if err := ValidateStruct("condition", c); err != nil {
		return err
	}
	if err := ValidFieldPath(c.Field); err != nil {
		return NewValidationError("condition", err.Error())
	}
	switch c.Operator {
	case OpRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return NewValidationError("condition", fmt.Sprintf("regex on %s needs a string pattern", c.Field))
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return NewValidationError("condition", fmt.Sprintf("bad regex on %s: %v", c.Field, err))
		}
		c.re = re
	case OpGreaterThan, OpLessThan:
		if _, ok := ToFloat(c.Value); !ok {
			return NewValidationError("condition", fmt.Sprintf("%s on %s needs a numeric value", c.Operator, c.Field))
		}
	case OpEquals, OpContains:
		if c.Value == nil {
			return NewValidationError("condition", fmt.Sprintf("%s on %s needs a value", c.Operator, c.Field))
		}
	}
	return nil
}

// Match evaluates the condition against an event. An uncompiled regex
// condition never matches.
func (c *Condition) Match(e *SecurityEvent) bool {
	got, present := e.Field(c.Field)

	if c.Operator == OpExists {
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return present == want
	}
	if !present {
		return false
	}

	switch c.Operator {
	case OpEquals:
		if a, ok := ToFloat(got); ok {
			if b, ok := ToFloat(c.Value); ok {
				return a == b
			}
		}
		return fmt.Sprint(got) == fmt.Sprint(c.Value)
	case OpContains:
		if list, ok := got.([]interface{}); ok {
			want := fmt.Sprint(c.Value)
			for _, item := range list {
				if fmt.Sprint(item) == want {
					return true
				}
			}
			return false
		}
		return strings.Contains(fmt.Sprint(got), fmt.Sprint(c.Value))
	case OpGreaterThan:
		a, ok1 := ToFloat(got)
		b, ok2 := ToFloat(c.Value)
		return ok1 && ok2 && a > b
	case OpLessThan:
		a, ok1 := ToFloat(got)
		b, ok2 := ToFloat(c.Value)
		return ok1 && ok2 && a < b
	case OpRegex:
		return c.re != nil && c.re.MatchString(fmt.Sprint(got))
	}
	return false
}

// MatchAll reports whether every condition matches. No conditions match
// everything.
func MatchAll(conds []Condition, e *SecurityEvent) bool {
	for i := range conds {
		if !conds[i].Match(e) {
			return false
		}
	}
	return true
}

// CompileAll compiles each condition in place and collects every issue.
func CompileAll(subject string, conds []Condition) error {
	var issues []string
	for i := range conds {
		if err := conds[i].Compile(); err != nil {
			issues = append(issues, fmt.Sprintf("conditions[%d]: %v", i, err))
		}
	}
	if len(issues) > 0 {
		return NewValidationError(subject, issues...)
	}
	return nil
}
