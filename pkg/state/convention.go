package state

import (
	"path/filepath"
	"strings"

	"github.com/webfleet/webfleet/pkg/fleet"
)

// Fixed layout names of the desired-state tree.
const (
	providersDirName = "providers"
	hostsDirName     = "hosts"
	serversDirName   = "servers"
	sitesDirName     = "sites"
	upstreamsDirName = "upstreams"
	providerFileName = "provider.yaml"
	documentExt      = ".yaml"
)

// ProvidersDir returns the directory holding all provider trees.
func ProvidersDir(root string) string {
	return filepath.Join(root, providersDirName)
}

// ProviderDir returns one provider's tree root.
func ProviderDir(root, providerID string) string {
	return filepath.Join(root, providersDirName, providerID)
}

// ProviderFilePath returns the path of a provider's own document.
func ProviderFilePath(root, providerID string) string {
	return filepath.Join(ProviderDir(root, providerID), providerFileName)
}

// ServerFilePath returns the path of a server document.
func ServerFilePath(root, providerID, serverID string) string {
	return filepath.Join(ProviderDir(root, providerID), hostsDirName, serverID+documentExt)
}

// ScopeDir returns the backend/environment scope directory inside a
// provider's tree.
func ScopeDir(root, providerID string, backend fleet.BackendType, env fleet.Environment) string {
	return filepath.Join(ProviderDir(root, providerID), serversDirName, string(backend), string(env))
}

// SitePath returns the path of a site document.
func SitePath(root, providerID string, backend fleet.BackendType, env fleet.Environment, domain string) string {
	return filepath.Join(ScopeDir(root, providerID, backend, env), sitesDirName, domain+documentExt)
}

// UpstreamPath returns the path of an upstream document.
func UpstreamPath(root, providerID string, backend fleet.BackendType, env fleet.Environment, ref string) string {
	return filepath.Join(ScopeDir(root, providerID, backend, env), upstreamsDirName, ref+documentExt)
}

// documentName strips the yaml extension from a file name.
func documentName(fileName string) string {
	return strings.TrimSuffix(fileName, documentExt)
}
