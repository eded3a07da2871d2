package store

import _ "embed"

// Schema is the full DDL for the store's tables and indexes. Statements are
// idempotent (CREATE TABLE IF NOT EXISTS) so applying it repeatedly is safe.
//
//go:embed schema.sql
var Schema string
