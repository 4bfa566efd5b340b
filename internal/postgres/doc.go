// Package postgres builds the shared pgx pool: otelpgx spans, a structured
// log line per query, and an optional per-query metrics observer labelled by
// HTTP route or pipeline stage.
package postgres
