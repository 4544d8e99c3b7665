package migrations

import "embed"

// FS contains embedded SQLite migrations for the mutation queue.
//
//go:embed *.sql
var FS embed.FS
