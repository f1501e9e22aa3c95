// Package propagate moves staged artifacts into the live configuration
// tree. The Mirror does single-file and full-tree propagation with
// ownership and mode normalization; the Daemon watches the staging tree
// and drives the mirror continuously, debouncing event bursts and
// scheduling validate-then-reload after a quiet period.
//
// The staging tree is the only contract between the reconciler and the
// daemon. Either side can run in a separate process on the strength of
// that contract alone.
package propagate
