// Package postgres provides the durable broker and result store backends
// over PostgreSQL. Dequeue uses FOR UPDATE SKIP LOCKED with lease columns
// for the visibility-timeout contract; schema migrations are embedded and
// applied with goose.
package postgres
