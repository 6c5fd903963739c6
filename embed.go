package transcriptengine

import _ "embed"

// SchemaSQL is the initial database schema.
//
//go:embed schema.sql
var SchemaSQL []byte
