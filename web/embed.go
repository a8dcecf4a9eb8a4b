package webassets

import "embed"

// FS contains embedded web assets from this directory.
//
//go:embed callback.html
var FS embed.FS

// CallbackPageName is the page served for auth redirects.
const CallbackPageName = "callback.html"
