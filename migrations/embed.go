// Package migrations embeds the schema for each supported database dialect.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql
var postgresFiles embed.FS

//go:embed sqlite/*.sql
var sqliteFiles embed.FS

// Postgres returns the Postgres migrations rooted at their directory
func Postgres() fs.FS {
	return mustSub(postgresFiles, "postgres")
}

// SQLite returns the SQLite migrations rooted at their directory
func SQLite() fs.FS {
	return mustSub(sqliteFiles, "sqlite")
}

func mustSub(fsys embed.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
