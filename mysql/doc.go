// Package mysql provides a MySQL 8.0+ backend for every saga store interface:
// instances with optimistic version checks, step execution records, the
// transactional outbox, the idempotency table, and the relay lease table.
//
// The orchestrator's UpdateInstance commits the instance row, step record
// upserts, and outbox inserts in one transaction. The relay reads the outbox
// with plain indexed queries; partition exclusivity comes from the lease table
// rather than row locks, so a poll never blocks a producer's insert.
//
// See Schema for the DDL and CleanupMaintainer for periodic removal of
// dispatched outbox rows and archived terminal sagas.
package mysql
