// Package fleet defines the core types for webfleet: the desired-state
// model (providers, servers, sites, routes, upstreams), generated
// artifacts, drift records, the classified error type shared by all
// components, and the interfaces that connect the generator, the
// reconciler and the external backend engines.
//
// The package is dependency-free on purpose. Concrete behavior lives in
// pkg/state (loading), pkg/emit (artifact generation), pkg/drift,
// pkg/reconcile and pkg/propagate.
package fleet
