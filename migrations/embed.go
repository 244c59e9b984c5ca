// Package migrations embeds the regsup schema so the binary can migrate
// its history database without SQL files on disk.
package migrations

import "embed"

// FS holds every *.sql migration at its root, ready for database.Migrate.
//
//go:embed *.sql
var FS embed.FS
