// Package audit records connection lifecycle and domain actions.
//
// A Sink is any append-only destination; *store.SQLiteStore is one, RedisSink
// is another, and Tee fans out to several. Recorder sits in front of a Sink and
// makes the call-site decision for every write: log and count the failure,
// then carry on. A session is never torn down because the audit trail could
// not be written.
package audit
