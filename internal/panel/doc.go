// Package panel serves the regsup status dashboard as an embedded asset.
//
// The dashboard is a single static page that polls the HTTP API for
// supervisor status and follows the WebSocket event stream. It is
// embedded with go:embed so the binary has no runtime file dependency.
// A directory on disk can be served instead while iterating on the page.
//
// Unknown paths fall back to index.html so client-side routes resolve.
package panel
