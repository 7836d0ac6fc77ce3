// Package postgres implements the operation store on PostgreSQL through the
// pgx database/sql driver, and ships the schema as embedded goose migrations.
package postgres
