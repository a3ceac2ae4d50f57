// Package database provides SQLite connectivity for PulseLink Core.
//
// It wraps database/sql with WAL-mode pragmas suited to a single-writer
// embedded store and runs embedded SQL migrations at startup. Repositories
// in other packages receive a *DB and own their own queries.
package database
