// Package store provides persistent storage for the dispatch relay using SQLite.
//
// # Architecture
//
// The store package splits persistence into narrow interfaces:
//
//   - UserStore: users and their role sets
//   - ActionLogStore: the append-only audit table
//   - SessionStore: rows mirroring live websocket sessions
//
// SQLiteStore implements all of them in a single struct. Store composes the
// three and adds Ping and Close.
//
// # Data Models
//
//   - User: identity resolved from a verified access token, keyed by email
//   - Role: cad_user, cad_manager or cad_admin
//   - ActionLogEntry: one audited action with actor and remote address
//   - UserSession: a live connection and its last keep-alive
//
// # SQLite Configuration
//
// The driver is modernc.org/sqlite. Pragmas travel in the DSN so every pooled
// connection gets them:
//
//	_pragma=busy_timeout(5000)
//	_pragma=foreign_keys(1)
//	_pragma=journal_mode(WAL)
//
// The pool is bounded by Options.MaxOpenConns. An in-memory database is
// pinned to a single connection.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrBusy: lock contention or a pool wait that ran out of time
//
// # Testing
//
// Use NewMockStore() for unit tests. It also exposes failure injection for
// user lookups, action log appends and Ping.
package store
