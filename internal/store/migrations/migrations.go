// Package migrations embeds the SQL schema for golang-migrate's iofs source,
// following the teacher's cmd/api bootstrap (migrations.FS + iofs.New).
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
