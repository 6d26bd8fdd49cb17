package migrations

import "embed"

// FS contains the SQL migration files, one directory per migration group.
//
//go:embed jobs docstore
var FS embed.FS
