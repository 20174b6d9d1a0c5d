// Package defaults provides embedded copies of the default configuration
// and the built-in hook scripts bundled with the distribution. The config
// example is written by the init subcommand; the built-in hooks are
// materialized under the data directory at daemon startup so the hook
// engine can discover them last in its search order.
package defaults

import "embed"

//go:embed config.example.yaml
var ConfigYAML []byte

// HooksFS contains the built-in hook scripts.
//
//go:embed hooks/*.sh
var HooksFS embed.FS
