// Package auth issues and verifies the bearer tokens accepted by the
// regsup HTTP API.
//
// Tokens are HS256 JWTs signed with security.jwt.secret. Each token
// carries a role; the role maps statically to a set of permissions:
//   - viewer: read supervisor status and task history
//   - operator: everything a viewer can do, plus queries that start the
//     registry server, discovery and stopping the server
//
// There is no user database: tokens are minted offline with
// "regsup token" and validated by signature only.
package auth
