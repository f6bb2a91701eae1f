// Package database provides the SQLite connection and schema migrations.
//
// The database holds two things: the device binding records (MAC, kind,
// name, session token) that survive restarts, and the state history
// written by the telemetry recorder. It is opened with WAL mode and a single
// writer connection.
//
// Migrations are plain SQL files embedded by the top-level migrations
// package and registered with RegisterMigrations. Each runs in its own
// transaction and is recorded in schema_migrations.
package database
