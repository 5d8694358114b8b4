// Package flows holds the built-in conversation flow documents.
package flows

import "embed"

// FS contains the start, dass21 and final flows.
//
//go:embed *_flow.json *_flow.yaml
var FS embed.FS
