// Package db embeds the SQL migrations applied by the spill store.
package db

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS
