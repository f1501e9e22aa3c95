package emit

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/webfleet/webfleet/pkg/fleet"
)

// metaPrefix marks the machine-readable header written into every
// generated artifact. The legacy importer reads it back to recover the
// exact scope without heuristics.
const metaPrefix = "# webfleet:meta"

// metaHeader renders the two-line comment header shared by all emitters.
func metaHeader(site *fleet.Site) string {
	return fmt.Sprintf("%s domain=%s provider=%s environment=%s backend=%s server=%s\n"+
		"# Managed by webfleet. Manual edits are overwritten on the next apply.\n",
		metaPrefix, site.Domain, site.ProviderID, site.Environment, site.Backend, site.ServerID)
}

// ParseMetaHeader extracts the key=value pairs of a webfleet meta header
// from artifact content. ok is false when no header is present, which is
// the normal case for pre-existing legacy artifacts.
func ParseMetaHeader(content []byte) (map[string]string, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, metaPrefix) {
			// The header is only recognized at the top of the file,
			// before any configuration text.
			if !strings.HasPrefix(line, "#") {
				return nil, false
			}
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, metaPrefix))
		meta := make(map[string]string, len(fields))
		for _, f := range fields {
			k, v, found := strings.Cut(f, "=")
			if !found {
				continue
			}
			meta[k] = v
		}
		return meta, len(meta) > 0
	}
	return nil, false
}
