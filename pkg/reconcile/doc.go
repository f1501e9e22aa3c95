// Package reconcile drives desired state onto live web servers.
//
// Each site moves through a fixed pipeline: PLAN renders the artifact
// and short-circuits when the live fingerprint already matches, STAGE
// writes the artifact into the staging tree, the staged copy is
// propagated to the live tree, VALIDATE asks the engine to check its
// configuration, and ACTIVATE reloads the engine. A validation or
// timeout failure rolls both the live and staged copies back to their
// prior content so the engine keeps serving the last good config and
// the propagation daemon never re-delivers the bad artifact.
//
// Batch applies run PLAN and STAGE for many sites concurrently; the
// VALIDATE and ACTIVATE phases are serialized per backend because the
// engines validate and reload their whole configuration at once.
package reconcile
