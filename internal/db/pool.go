// Package db opens and pools the SQL connections behind the transcript store.
package db

import "github.com/jmoiron/sqlx"

// Pool pairs a write connection with a read connection pool.
//
// The transcript workload is append-heavy with occasional reads (session
// restore, the inspection API). On SQLite with WAL enabled that maps to a
// single writer connection, which serializes appends and avoids SQLITE_BUSY,
// plus a small pool of read-only connections that see consistent WAL
// snapshots. On PostgreSQL pgx pools internally, so reads and writes share
// one *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from writer and reader connections. The two may be
// the same *sqlx.DB.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection used for INSERT, UPDATE, DELETE, and
// transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both pools, once each when they are shared.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
