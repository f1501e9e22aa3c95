package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/webfleet/webfleet/pkg/fleet"
	"github.com/webfleet/webfleet/pkg/telemetry"
)

var regoPackageRe = regexp.MustCompile(`(?m)^package\s+([\w.]+)`)

// Engine evaluates lint policies against a site and its upstream groups.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]Policy
	log      *telemetry.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger used for evaluation diagnostics.
func WithEngineLogger(log *telemetry.Logger) EngineOption {
	return func(e *Engine) {
		e.log = log
	}
}

// WithPolicies replaces the builtin policy set.
func WithPolicies(policies []Policy) EngineOption {
	return func(e *Engine) {
		e.policies = make(map[string]Policy, len(policies))
		for _, p := range policies {
			e.policies[p.Name] = p
		}
	}
}

// NewEngine builds an engine preloaded with the builtin policies.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		policies: make(map[string]Policy),
	}
	for _, p := range BuiltinPolicies() {
		e.policies[p.Name] = p
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		logger, _ := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
		e.log = logger.NewComponentLogger("policy")
	}
	return e
}

// AddPolicy registers or replaces a policy by name.
func (e *Engine) AddPolicy(p Policy) error {
	if p.Name == "" {
		return fleet.NewSchemaError("policy name is required", nil)
	}
	if extractPackageName(p.Rego) == "" {
		return fleet.NewSchemaError(fmt.Sprintf("policy %s has no package declaration", p.Name), nil)
	}
	e.mu.Lock()
	e.policies[p.Name] = p
	e.mu.Unlock()
	return nil
}

// RemovePolicy unregisters a policy by name.
func (e *Engine) RemovePolicy(name string) {
	e.mu.Lock()
	delete(e.policies, name)
	e.mu.Unlock()
}

// Policies returns the registered policies sorted by name.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EvaluateSite runs every enabled policy against the site and the upstream
// groups its routes reference. The result is allowed when no violation of
// error severity was produced.
func (e *Engine) EvaluateSite(ctx context.Context, site *fleet.Site, upstreams map[string]*fleet.Upstream) (*Result, error) {
	start := time.Now()
	input, err := buildInput(site, upstreams)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Allowed:     true,
		Violations:  []Violation{},
		EvaluatedAt: start,
	}

	for _, p := range e.Policies() {
		if !p.Enabled {
			continue
		}
		result.EvaluatedPolicies++
		violations, err := e.evaluatePolicy(ctx, p, site.Domain, input)
		if err != nil {
			e.log.WithError(err).WithField("policy", p.Name).Warn("policy evaluation failed")
			result.Violations = append(result.Violations, Violation{
				Policy:   p.Name,
				Domain:   site.Domain,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityError,
			})
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if v.Severity == SeverityError {
			result.Allowed = false
			break
		}
	}
	result.Duration = time.Since(start)

	e.log.WithFields(map[string]interface{}{
		"domain":     site.Domain,
		"policies":   result.EvaluatedPolicies,
		"violations": len(result.Violations),
		"allowed":    result.Allowed,
	}).Debug("site evaluated")

	return result, nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, p Policy, domain string, input map[string]interface{}) ([]Violation, error) {
	pkg := extractPackageName(p.Rego)
	if pkg == "" {
		return nil, fmt.Errorf("policy %s has no package declaration", p.Name)
	}

	query := rego.New(
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
		rego.Module(p.Name+".rego", p.Rego),
		rego.Input(input),
	)

	rs, err := query.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("rego evaluation: %w", err)
	}

	var violations []Violation
	for _, result := range rs {
		for _, expr := range result.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, item := range set {
				violations = append(violations, e.parseViolation(p, domain, item))
			}
		}
	}
	return violations, nil
}

func (e *Engine) parseViolation(p Policy, domain string, item interface{}) Violation {
	v := Violation{
		Policy:   p.Name,
		Domain:   domain,
		Severity: p.Severity,
	}
	obj, ok := item.(map[string]interface{})
	if !ok {
		v.Message = fmt.Sprintf("%v", item)
		return v
	}
	if msg, ok := obj["message"].(string); ok {
		v.Message = msg
	}
	if sev, ok := obj["severity"].(string); ok {
		v.Severity = Severity(sev)
	}
	if rem, ok := obj["remediation"].(string); ok {
		v.Remediation = rem
	}
	return v
}

// buildInput produces the document policies evaluate against. Upstreams are
// sorted by ref so violation ordering is stable.
func buildInput(site *fleet.Site, upstreams map[string]*fleet.Upstream) (map[string]interface{}, error) {
	refs := make([]string, 0, len(upstreams))
	for ref := range upstreams {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	ups := make([]*fleet.Upstream, 0, len(refs))
	for _, ref := range refs {
		ups = append(ups, upstreams[ref])
	}

	raw, err := json.Marshal(map[string]interface{}{
		"site":      site,
		"upstreams": ups,
	})
	if err != nil {
		return nil, fleet.NewSchemaError("encoding policy input", err)
	}
	var input map[string]interface{}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fleet.NewSchemaError("decoding policy input", err)
	}
	return input, nil
}

func extractPackageName(regoSrc string) string {
	m := regoPackageRe.FindStringSubmatch(regoSrc)
	if m == nil {
		return ""
	}
	return m[1]
}
