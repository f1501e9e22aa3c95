// Package history persists reconciliation runs and drift scans in a local
// SQLite database.
//
// The store is an audit trail, not authoritative state: the YAML tree stays
// the single source of truth and every record here can be regenerated by
// re-running apply or drift. It implements reconcile.Recorder so the
// reconciler can log each batch without knowing where records land.
package history
