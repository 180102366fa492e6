// Package postgres implements store.Store on PostgreSQL using pgx/v5.
// Claims use SELECT ... FOR UPDATE SKIP LOCKED; units of work run as
// SERIALIZABLE transactions.
package postgres
