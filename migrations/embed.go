package migrations

import "embed"

// Files exposes embedded SQL migration files, one subtree per backend,
// ordered lexicographically within each subtree.
//
//go:embed sqlite/*.sql postgres/*.sql
var Files embed.FS
