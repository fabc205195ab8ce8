// Package migrations embeds the numbered SQL migrations applied by
// "eligibility-server migrate up".
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
