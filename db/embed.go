package db

import (
	"embed"
	"io/fs"
)

// migrationsFS contains all SQL migration files embedded at compile time.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations returns the migration files rooted at the directory expected by
// the migrate source driver.
func Migrations() (fs.FS, error) {
	return fs.Sub(migrationsFS, "migrations")
}
