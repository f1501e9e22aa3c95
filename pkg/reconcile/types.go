package reconcile

import (
	"context"
	"time"

	"github.com/webfleet/webfleet/pkg/fleet"
	"github.com/webfleet/webfleet/pkg/state"
)

// Step identifies a phase of the apply pipeline. A SiteResult carries
// the last step the site reached.
type Step string

const (
	StepPlan     Step = "plan"
	StepStage    Step = "stage"
	StepValidate Step = "validate"
	StepActivate Step = "activate"
	StepRollback Step = "rollback"
	StepDone     Step = "done"
)

// Selector chooses which sites an apply run covers. A zero Selector
// matches every site in the graph.
type Selector struct {
	// Domain restricts the run to a single site.
	Domain string

	// Filter restricts the run by provider and environment. Ignored
	// when Domain is set.
	Filter state.Filter
}

// String renders the selector for logs and metrics labels.
func (s Selector) String() string {
	switch {
	case s.Domain != "":
		return s.Domain
	case s.Filter.Provider != "" && s.Filter.Environment != "":
		return s.Filter.Provider + "/" + string(s.Filter.Environment)
	case s.Filter.Provider != "":
		return s.Filter.Provider
	case s.Filter.Environment != "":
		return string(s.Filter.Environment)
	default:
		return "all"
	}
}

// SiteResult is the outcome of one site's trip through the pipeline.
type SiteResult struct {
	// Domain is the site's public FQDN.
	Domain string

	// Backend is the engine the site is served by.
	Backend fleet.BackendType

	// Step is the last pipeline step the site reached. StepDone means
	// the site finished; StepRollback means a failure was unwound.
	Step Step

	// Changed is false when the live artifact already matched the
	// desired fingerprint and the pipeline stopped after PLAN.
	Changed bool

	// Fingerprint is the desired artifact fingerprint, when PLAN
	// succeeded.
	Fingerprint string

	// Err holds the failure for sites that did not reach StepDone.
	Err error
}

// Report summarizes a batch apply run.
type Report struct {
	// RunID is the unique identifier of this run.
	RunID string

	// Selector names the scope the run covered.
	Selector string

	// Started and Finished bound the run wall-clock time.
	Started  time.Time
	Finished time.Time

	// Results holds one entry per site that entered the pipeline, in
	// domain order.
	Results []SiteResult

	// Skipped counts sites never started because the run was canceled.
	Skipped int
}

// Succeeded returns the results that reached StepDone.
func (r *Report) Succeeded() []SiteResult {
	return r.filter(func(sr SiteResult) bool { return sr.Err == nil })
}

// Failed returns the results that ended in an error.
func (r *Report) Failed() []SiteResult {
	return r.filter(func(sr SiteResult) bool { return sr.Err != nil })
}

// Changed reports whether any site altered its live artifact.
func (r *Report) Changed() bool {
	for _, sr := range r.Results {
		if sr.Changed && sr.Err == nil {
			return true
		}
	}
	return false
}

// Duration returns the run wall-clock time.
func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

func (r *Report) filter(keep func(SiteResult) bool) []SiteResult {
	var out []SiteResult
	for _, sr := range r.Results {
		if keep(sr) {
			out = append(out, sr)
		}
	}
	return out
}

// Recorder persists apply reports. Implementations must tolerate
// concurrent calls from overlapping runs.
type Recorder interface {
	RecordApply(ctx context.Context, report *Report) error
}
