package fleet

import "context"

// Emitter renders one backend type's native configuration text for a
// site. Emitters are pure: given the same site and resolved upstreams
// they produce identical output. Registered per backend type in the
// generator's dispatch table.
type Emitter interface {
	// Backend returns the backend type this emitter serves.
	Backend() BackendType

	// Emit renders the configuration text for the site. The upstreams map
	// contains every upstream referenced by the site's routes, already
	// resolved by the caller.
	Emit(site *Site, upstreams map[string]*Upstream) ([]byte, error)
}

// BackendController is the contract with an external backend engine.
// Each backend exposes exactly the two operations the core depends on.
// Implementations must honor context cancellation; a hung engine call is
// bounded by the caller's deadline.
type BackendController interface {
	// Backend returns the engine this controller drives.
	Backend() BackendType

	// Validate asks the engine to check its configuration. configPath is
	// the artifact that changed; engines with global validation (nginx -t,
	// apache configtest) may ignore it. The returned error carries the
	// engine's own output verbatim.
	Validate(ctx context.Context, configPath string) error

	// Reload asks the engine to activate the current configuration.
	Reload(ctx context.Context) error
}
