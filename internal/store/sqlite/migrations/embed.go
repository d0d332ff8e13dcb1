// Package migrations holds the delivery journal schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
