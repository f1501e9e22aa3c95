// Package policy lints desired state with Open Policy Agent.
//
// Sites are evaluated one at a time against a set of Rego policies:
// the built-in fleet conventions plus any .rego files loaded from
// disk. Each policy contributes deny entries; error-severity entries
// make the site fail validation, warnings are reported but do not
// block.
//
// Policies receive the site and its resolved upstream groups as
// input:
//
//	{
//	  "site": {
//	    "domain": "dev.example.com",
//	    "provider": "lunarsystemx",
//	    "environment": "dev",
//	    "server": "web1",
//	    "backend": "nginx",
//	    "routes": [{"name": "...", "path": "/", "type": "proxy", ...}]
//	  },
//	  "upstreams": [{"ref": "api__identity", "nodes": [...]}]
//	}
package policy
