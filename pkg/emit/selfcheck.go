package emit

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/webfleet/webfleet/pkg/fleet"
)

// selfCheck runs the structural checks an artifact must pass before it
// leaves the generator: balanced blocks and the directives the backend
// cannot load without. The backend's own validator still runs later on
// the reconciler's path; this catches emitter bugs early and cheaply.
func selfCheck(backend fleet.BackendType, content []byte) error {
	switch backend {
	case fleet.BackendNginx:
		return checkNginx(content)
	case fleet.BackendApache:
		return checkApache(content)
	case fleet.BackendTraefik:
		return checkTraefik(content)
	default:
		return fleet.NewUnsupportedBackendError(backend)
	}
}

func checkNginx(content []byte) error {
	text := string(content)

	depth := 0
	for _, c := range text {
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return fleet.NewInternalError("generated nginx config has an unmatched closing brace", nil)
			}
		}
	}
	if depth != 0 {
		return fleet.NewInternalError(fmt.Sprintf("generated nginx config has %d unclosed blocks", depth), nil)
	}

	for _, directive := range []string{"server {", "server_name "} {
		if !strings.Contains(text, directive) {
			return fleet.NewInternalError(fmt.Sprintf("generated nginx config is missing %q", strings.TrimSpace(directive)), nil)
		}
	}
	return nil
}

func checkApache(content []byte) error {
	text := string(content)

	open := strings.Count(text, "<VirtualHost")
	closed := strings.Count(text, "</VirtualHost>")
	if open == 0 {
		return fleet.NewInternalError("generated apache config has no VirtualHost block", nil)
	}
	if open != closed {
		return fleet.NewInternalError(
			fmt.Sprintf("generated apache config has %d VirtualHost opens but %d closes", open, closed), nil)
	}

	if !strings.Contains(text, "ServerName ") {
		return fleet.NewInternalError("generated apache config is missing ServerName", nil)
	}
	return nil
}

func checkTraefik(content []byte) error {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return fleet.NewInternalError("generated traefik config is not valid YAML", err)
	}
	if _, ok := doc["http"]; !ok {
		return fleet.NewInternalError("generated traefik config is missing the http section", nil)
	}
	return nil
}
