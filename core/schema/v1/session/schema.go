package session

import _ "embed"

// DescriptorSchema is the JSON Schema the health checker validates session
// descriptors against. Embedded so validation works without a schemas
// directory on disk.
//
//go:embed descriptor.schema.json
var DescriptorSchema []byte
