package backend

import (
	"context"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/webfleet/webfleet/pkg/fleet"
)

// Option configures the controller set.
type Option func(*config)

type config struct {
	run Runner
}

// WithRunner substitutes the command runner, used by tests and by the
// remote execution path.
func WithRunner(r Runner) Option {
	return func(c *config) { c.run = r }
}

func newConfig(opts []Option) config {
	c := config{run: execRunner}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Controllers returns one controller per supported backend type.
func Controllers(opts ...Option) map[fleet.BackendType]fleet.BackendController {
	c := newConfig(opts)
	return map[fleet.BackendType]fleet.BackendController{
		fleet.BackendNginx:   nginxController{c},
		fleet.BackendApache:  apacheController{c},
		fleet.BackendTraefik: traefikController{c},
	}
}

// NewNginxController creates the nginx controller.
func NewNginxController(opts ...Option) fleet.BackendController {
	return nginxController{newConfig(opts)}
}

// NewApacheController creates the apache controller.
func NewApacheController(opts ...Option) fleet.BackendController {
	return apacheController{newConfig(opts)}
}

// NewTraefikController creates the traefik controller.
func NewTraefikController(opts ...Option) fleet.BackendController {
	return traefikController{newConfig(opts)}
}

type nginxController struct {
	cfg config
}

func (nginxController) Backend() fleet.BackendType { return fleet.BackendNginx }

// Validate runs nginx's global configuration test. nginx validates the
// whole loaded configuration; the changed path is irrelevant to it.
func (n nginxController) Validate(ctx context.Context, configPath string) error {
	out, err := n.cfg.run(ctx, "nginx", "-t")
	return classify(ctx, fleet.BackendNginx, "validate", out, err)
}

func (n nginxController) Reload(ctx context.Context) error {
	out, err := n.cfg.run(ctx, "systemctl", "reload", "nginx")
	return classify(ctx, fleet.BackendNginx, "reload", out, err)
}

type apacheController struct {
	cfg config
}

func (apacheController) Backend() fleet.BackendType { return fleet.BackendApache }

func (a apacheController) Validate(ctx context.Context, configPath string) error {
	out, err := a.cfg.run(ctx, "apache2ctl", "configtest")
	return classify(ctx, fleet.BackendApache, "validate", out, err)
}

func (a apacheController) Reload(ctx context.Context) error {
	out, err := a.cfg.run(ctx, "systemctl", "reload", "apache2")
	return classify(ctx, fleet.BackendApache, "reload", out, err)
}

type traefikController struct {
	cfg config
}

func (traefikController) Backend() fleet.BackendType { return fleet.BackendTraefik }

// Validate parses the dynamic configuration file. Traefik ships no
// configtest command; a parse failure is exactly what would make its
// file provider reject the document.
func (t traefikController) Validate(ctx context.Context, configPath string) error {
	if err := ctx.Err(); err != nil {
		return fleet.NewTimeoutError("traefik validate canceled", err)
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fleet.NewValidationError("cannot read traefik config", err)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fleet.NewValidationError("traefik config does not parse", err)
	}
	if _, ok := doc["http"]; !ok {
		return fleet.NewValidationError("traefik config is missing the http section", nil)
	}
	return nil
}

// Reload restarts traefik. The file provider picks up changes on its
// own, but a restart guarantees a clean load after a rollback.
func (t traefikController) Reload(ctx context.Context) error {
	out, err := t.cfg.run(ctx, "systemctl", "restart", "traefik")
	return classify(ctx, fleet.BackendTraefik, "reload", out, err)
}
