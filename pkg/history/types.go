package history

import (
	"time"

	"github.com/webfleet/webfleet/pkg/fleet"
)

// RunStatus is the recorded outcome of a reconciliation batch.
type RunStatus string

const (
	// RunSuccess means every selected site converged.
	RunSuccess RunStatus = "success"

	// RunFailed means at least one site failed or rolled back.
	RunFailed RunStatus = "failed"

	// RunCanceled means the batch stopped before feeding every site.
	RunCanceled RunStatus = "canceled"
)

// Run is one recorded reconciliation batch.
type Run struct {
	// ID is the run identifier assigned by the reconciler.
	ID string `json:"id"`

	// Selector describes which slice of the fleet the run covered.
	Selector string `json:"selector"`

	// Status is the overall batch outcome.
	Status RunStatus `json:"status"`

	// Started and Finished bound the batch wall-clock time.
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	// Duration is Finished minus Started.
	Duration time.Duration `json:"duration"`

	// Total counts sites that entered the pipeline.
	Total int `json:"total"`

	// Succeeded, Failed and Changed break Total down.
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Changed   int `json:"changed"`

	// Skipped counts sites never fed to workers after cancellation.
	Skipped int `json:"skipped"`

	// Results holds per-site outcomes, populated by GetRun.
	Results []SiteOutcome `json:"results,omitempty"`
}

// SiteOutcome is one site's recorded result within a run.
type SiteOutcome struct {
	// Domain is the site that was reconciled.
	Domain string `json:"domain"`

	// Backend is the engine the site targets.
	Backend fleet.BackendType `json:"backend"`

	// Step is the pipeline step the site finished on.
	Step string `json:"step"`

	// Changed reports whether the live artifact was rewritten.
	Changed bool `json:"changed"`

	// Fingerprint is the hash of the artifact that ended up live.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Error is the failure message, empty on success.
	Error string `json:"error,omitempty"`
}

// DriftCheck is one persisted drift comparison.
type DriftCheck struct {
	// ID is the row identifier.
	ID int64 `json:"id"`

	// Record is the comparison result as produced by the detector.
	Record fleet.DriftRecord `json:"record"`

	// CheckedAt is when the scan ran.
	CheckedAt time.Time `json:"checked_at"`
}
