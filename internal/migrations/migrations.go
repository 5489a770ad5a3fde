// Package migrations embeds the goose-managed schema for both supported
// backends. The postgres and sqlite directories hold dialect-specific SQL;
// the repository manager picks one when running migrations.
package migrations

import "embed"

//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
