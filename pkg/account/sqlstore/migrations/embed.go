package migrations

import "embed"

// FS contains the SQLite schema of the account store.
//
//go:embed *.sql
var FS embed.FS
