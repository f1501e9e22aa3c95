// Package config loads the webfleet tool settings file.
//
// Settings cover everything the CLI needs that is not fleet state: tree
// roots, logging, the propagation daemon, import defaults and remote
// targets. Fleet state itself lives in the YAML tree under StateRoot and is
// handled by the state package.
package config
