package migrations

import "embed"

// FS contains the PostgreSQL schema of the account store.
//
//go:embed *.sql
var FS embed.FS
