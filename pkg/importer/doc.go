// Package importer turns existing engine configurations into
// desired-state documents. It parses nginx server blocks and traefik
// dynamic files, reconstructs sites with their URI strategies and
// upstream groups, and writes them into the state tree. Existing
// documents always win: an import never overwrites hand-maintained
// state.
//
// Artifacts previously generated by webfleet carry a metadata header
// naming their provider, environment, backend and server, so they
// round-trip without guesswork. Foreign configs fall back to the
// importer's defaults.
package importer
