package template

import "embed"

// builtinTemplates holds the system templates shipped with the binary.
//
//go:embed builtin/*.json
var builtinTemplates embed.FS
