// Package domain defines the core campaign types shared by the service,
// repositories and HTTP handlers.
//
// Rules for this package:
//   - No imports from other internal/ packages except pure leaf packages (validator)
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON tags are allowed (they're metadata, not behavior)
//   - Status transition rules live here so every repository enforces the same ones
package domain
