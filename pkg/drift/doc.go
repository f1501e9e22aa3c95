// Package drift compares desired artifacts against the live
// configuration tree. Detection is read-only: it renders the artifact a
// site would produce, fingerprints what is actually on disk, and
// reports the verdict. It never writes, and it never triggers
// propagation.
package drift
