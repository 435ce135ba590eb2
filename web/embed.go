package web

import "embed"

// FS contains the dashboard page and its assets.
//
//go:embed *.html *.css *.js
var FS embed.FS
