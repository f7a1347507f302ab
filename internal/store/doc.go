// Package store is the boundary between the persistence context and the
// relational store.
//
// It wraps database/sql with:
//   - Driver selection: sqlite3 (mattn/go-sqlite3), sqlite (modernc.org/sqlite),
//     mysql (go-sql-driver/mysql), postgres (lib/pq)
//   - Transactions: every unit of work runs inside one Tx
//   - Query timeout: applied per statement when configured; otherwise the
//     caller's context deadline governs
//   - Statement observers: every executed statement is reported, which is
//     how tests count round trips
//   - Error classification: driver errors become faults.Error values with a
//     store code and a retryable flag; the driver error stays reachable
//     through errors.As
//
// This package never retries. A retryable error is surfaced unchanged and the
// caller decides.
//
// # SQLite Configuration
//
// SQLite connections get:
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//   - a single open connection: SQLite supports one writer at a time
package store
