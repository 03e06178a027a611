// Package migrations embeds the database schema
package migrations

import _ "embed"

// Init creates the journal tables; it is safe to run repeatedly
//
//go:embed 001_init.sql
var Init string
