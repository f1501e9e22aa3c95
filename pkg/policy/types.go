package policy

import (
	"time"
)

// Severity ranks a policy violation.
type Severity string

const (
	// SeverityInfo marks informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning marks findings worth review that do not block.
	SeverityWarning Severity = "warning"

	// SeverityError marks findings that fail validation.
	SeverityError Severity = "error"
)

// Policy is one Rego lint rule.
type Policy struct {
	// Name uniquely identifies the policy.
	Name string `json:"name"`

	// Description says what the policy checks.
	Description string `json:"description"`

	// Rego holds the policy source. The package must expose a deny
	// set whose entries carry at least a message.
	Rego string `json:"rego"`

	// Severity is the default severity for entries that do not set
	// their own.
	Severity Severity `json:"severity"`

	// Enabled gates evaluation.
	Enabled bool `json:"enabled"`

	// Tags group related policies.
	Tags []string `json:"tags,omitempty"`
}

// Violation is one deny entry produced by a policy.
type Violation struct {
	// Policy names the rule that fired.
	Policy string `json:"policy"`

	// Domain is the site the violation applies to.
	Domain string `json:"domain,omitempty"`

	// Message describes the finding.
	Message string `json:"message"`

	// Severity ranks the finding.
	Severity Severity `json:"severity"`

	// Remediation suggests a fix, when the policy offers one.
	Remediation string `json:"remediation,omitempty"`
}

// Result is the outcome of evaluating one site against all policies.
type Result struct {
	// Allowed is false when any error-severity violation fired.
	Allowed bool `json:"allowed"`

	// Violations lists every finding, warnings included.
	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedPolicies counts the policies that ran.
	EvaluatedPolicies int `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation happened.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Errors returns the violations that block validation.
func (r *Result) Errors() []Violation {
	return r.filter(SeverityError)
}

// Warnings returns the non-blocking violations.
func (r *Result) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity != SeverityError {
			out = append(out, v)
		}
	}
	return out
}

func (r *Result) filter(sev Severity) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == sev {
			out = append(out, v)
		}
	}
	return out
}
