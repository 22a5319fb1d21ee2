// Package migrations embeds the vcmatrix PostgreSQL schema.
package migrations

import "embed"

// FS holds the *.sql files applied by `vcm db migrate`.
//
//go:embed *.sql
var FS embed.FS
