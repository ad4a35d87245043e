package migrations

import "embed"

// FS — схема хранилища. Диалект общий для PostgreSQL и SQLite.
//
//go:embed *.sql
var FS embed.FS
