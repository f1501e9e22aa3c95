package policy

// BuiltinPolicies returns the fleet conventions shipped with webfleet.
func BuiltinPolicies() []Policy {
	return []Policy{
		upstreamRefNamingPolicy(),
		environmentDomainPolicy(),
		prodRedundancyPolicy(),
		routePathPolicy(),
		activeNodesPolicy(),
	}
}

// upstreamRefNamingPolicy enforces the type__slug upstream group name.
func upstreamRefNamingPolicy() Policy {
	return Policy{
		Name:        "upstream-ref-naming",
		Description: "Upstream group names must follow the type__slug convention",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package webfleet.policies.upstream_naming

import rego.v1

deny contains violation if {
	some up in input.upstreams
	not regex.match("^[a-z0-9_]+__[a-z0-9_]+$", up.ref)
	violation := {
		"message": sprintf("upstream %q does not follow the type__slug naming convention", [up.ref]),
		"severity": "error",
		"remediation": "rename the upstream to <service_type>__<slug> with lowercase letters, digits and underscores",
	}
}
`,
	}
}

// environmentDomainPolicy flags non-prod sites whose domain hides the
// environment.
func environmentDomainPolicy() Policy {
	return Policy{
		Name:        "environment-domain-prefix",
		Description: "dev and qa site domains should carry their environment as the first label",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"naming", "environments"},
		Rego: `package webfleet.policies.environment_domain

import rego.v1

deny contains violation if {
	input.site.environment != "prod"
	prefix := concat("", [input.site.environment, "."])
	not startswith(input.site.domain, prefix)
	violation := {
		"message": sprintf("%s site %q does not start with the %q label", [input.site.environment, input.site.domain, input.site.environment]),
		"severity": "warning",
		"remediation": sprintf("use %s%s or move the site to prod", [prefix, input.site.domain]),
	}
}
`,
	}
}

// prodRedundancyPolicy flags prod upstreams that would go dark with a
// single node failure.
func prodRedundancyPolicy() Policy {
	return Policy{
		Name:        "prod-upstream-redundancy",
		Description: "Production upstream groups should have at least two active nodes",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"production", "availability"},
		Rego: `package webfleet.policies.prod_redundancy

import rego.v1

active_count(up) := count([n | some n in up.nodes; not n.down])

deny contains violation if {
	input.site.environment == "prod"
	some up in input.upstreams
	active_count(up) < 2
	violation := {
		"message": sprintf("prod upstream %q has %d active node(s)", [up.ref, active_count(up)]),
		"severity": "warning",
		"remediation": "add a second active node or a backup node",
	}
}
`,
	}
}

// routePathPolicy enforces prefix-shaped proxy route paths.
func routePathPolicy() Policy {
	return Policy{
		Name:        "route-path-shape",
		Description: "Proxy route paths other than / should end with a slash",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"routing", "conventions"},
		Rego: `package webfleet.policies.route_path

import rego.v1

deny contains violation if {
	some route in input.site.routes
	route.type == "proxy"
	route.path != "/"
	not endswith(route.path, "/")
	violation := {
		"message": sprintf("proxy route %q path %q does not end with a slash", [route.name, route.path]),
		"severity": "warning",
		"remediation": "prefix routes match whole path segments; append a trailing slash",
	}
}
`,
	}
}

// activeNodesPolicy rejects upstream groups with every node down.
func activeNodesPolicy() Policy {
	return Policy{
		Name:        "upstream-active-nodes",
		Description: "Every upstream group needs at least one node not marked down",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"availability"},
		Rego: `package webfleet.policies.active_nodes

import rego.v1

deny contains violation if {
	some up in input.upstreams
	count([n | some n in up.nodes; not n.down]) == 0
	violation := {
		"message": sprintf("upstream %q has no active nodes", [up.ref]),
		"severity": "error",
		"remediation": "clear the down flag on at least one node",
	}
}
`,
	}
}
