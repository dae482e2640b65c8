package commands

import _ "embed"

// lspDefs is the bundled Starlark definition stubs for editor tooling,
// written by --lsp-defs and printed by --raw-lsp-defs.
//
//go:embed hpgdefs.star
var lspDefs string
