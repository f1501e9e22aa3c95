// Package backend implements the controllers for the external
// web-server engines. Each controller exposes the two operations the
// core depends on, validate and reload, mapped onto the engine's own
// tooling (nginx -t, apache2ctl configtest, systemctl reload). Command
// execution is injectable so the reconciler and daemon are testable
// without the engines installed.
package backend
