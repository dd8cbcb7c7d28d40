// Package migrations embeds the goose SQL migrations so binaries carry them.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Dir is the directory inside FS that goose reads.
const Dir = "."
