// Package stores persists the audit trail of stackrun runs: run outcomes,
// per-unit terminal results, drift reports, and an append-only event log,
// backed by SQLite with WAL mode and connection pooling. AuditStore
// implements engine.AuditSink.
package stores
