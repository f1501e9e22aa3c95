// Package emit implements the artifact generator: the pure mapping from
// a site specification to backend-native configuration text.
//
// One emitter exists per backend type, registered in a Generator
// dispatch table. All emitters share the URI strategy semantics: strip
// replaces the matched public prefix with the upstream prefix,
// passthrough forwards the original path unchanged. Generated artifacts
// pass a structural self-check (balanced blocks, required directives)
// before they are returned; invoking the backend's own validator is the
// reconciler's job.
package emit
