// Package state implements the desired-state store: the declarative
// document tree describing providers, servers, sites, and upstreams, and
// the in-memory graph built from it.
//
// The tree follows a fixed layout rooted at the store path:
//
//	providers/<provider>/provider.yaml
//	providers/<provider>/hosts/<server>.yaml
//	providers/<provider>/servers/<backend>/<env>/sites/<domain>.yaml
//	providers/<provider>/servers/<backend>/<env>/upstreams/<ref>.yaml
//
// Loading is all-or-nothing: any malformed document, unresolved
// reference, or uniqueness violation fails the whole load. The loader
// never reads or writes the live configuration tree.
package state
