// Package defaultroles provides embedded copies of the shipped role
// profile files. This package exists solely to satisfy go:embed's
// requirement that embedded files reside in or below the embedding
// package directory.
//
// The runtime profile loader lives in internal/roles.
package defaultroles

import "embed"

// FS contains the shipped role profile files.
//
//go:embed *.yaml
var FS embed.FS
