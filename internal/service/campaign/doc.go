// Package campaign implements the campaign lifecycle: create with recipient
// verification, dispatch through the bulk engine, stop, and report results.
//
// The service owns the campaign registry. It depends on the Repository
// interface defined here; implementations live in repository/postgres/ and
// repository/memory/. The dispatch engine only ever sees the registry
// through dispatch.Registry.
package campaign
