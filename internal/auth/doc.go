// Package auth authenticates HTTP API callers.
//
// Two credential types are accepted:
//   - JWT bearer tokens (HS256) issued with `girable issue-token`
//   - API keys, stored only as Argon2id hashes in PHC format
//
// Each credential carries a Role. Roles map statically to permissions:
// viewers read devices and history, operators also send commands, admins
// also add, rename and remove devices and run pairing.
package auth
