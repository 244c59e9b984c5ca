// Package api implements the HTTP API and WebSocket event stream served by
// "regsup serve".
//
// This package provides:
//   - REST endpoints for supervisor status, task history and registry queries
//   - WebSocket hub broadcasting supervisor state changes, task reports and
//     discovered registry configurations
//   - JWT bearer authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - An optional handler mounted outside /api/v1 for the status dashboard
//
// # Security
//
// When security.jwt.secret is empty the API is unauthenticated and every
// caller acts as an operator; the default listen address is loopback for
// that reason. With a secret configured, every route except /health needs
// a token minted by "regsup token", and each route checks the permission
// its action requires.
//
// Endpoints that query the registry submit work to the supervisor and
// may start the registry server, so they can take as long as a cold start.
package api
