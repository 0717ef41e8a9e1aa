// Package storage persists converged matching results into a SQLite database
// through a thin statement-execution wrapper. Persistence failures are a
// distinct failure kind from matching failures: the in-memory context stays
// valid and a write may be retried without recomputation.
package storage

import (
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/l3aro/bindelta/pkg/match"
)

// ErrStorage is wrapped by every persistence failure.
var ErrStorage = errors.New("storage failure")

// Database is a connection to a result database. Not safe for concurrent
// use; the pipeline writes results strictly after matching finishes.
type Database struct {
	conn *sqlite.Conn
}

// Connect opens (creating if necessary) a result database at path.
func Connect(path string) (*Database, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenCreate, sqlite.OpenReadWrite)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrStorage, path, err)
	}
	return &Database{conn: conn}, nil
}

// Close releases the connection.
func (d *Database) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	if err != nil {
		return fmt.Errorf("%w: closing database: %w", ErrStorage, err)
	}
	return nil
}

// Begin starts a transaction.
func (d *Database) Begin() error {
	return d.exec("BEGIN TRANSACTION")
}

// Commit commits the current transaction.
func (d *Database) Commit() error {
	return d.exec("COMMIT TRANSACTION")
}

// Rollback aborts the current transaction.
func (d *Database) Rollback() error {
	return d.exec("ROLLBACK TRANSACTION")
}

func (d *Database) exec(stmt string, args ...interface{}) error {
	if err := sqlitex.Execute(d.conn, stmt, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("%w: executing %q: %w", ErrStorage, stmt, err)
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS metadata (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		primary_exe TEXT NOT NULL,
		secondary_exe TEXT NOT NULL,
		created TEXT NOT NULL,
		similarity REAL NOT NULL,
		confidence REAL NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS function_matches (
		id INTEGER PRIMARY KEY,
		primary_address INTEGER NOT NULL,
		secondary_address INTEGER NOT NULL,
		primary_name TEXT NOT NULL DEFAULT '',
		secondary_name TEXT NOT NULL DEFAULT '',
		similarity REAL NOT NULL,
		confidence REAL NOT NULL,
		step TEXT NOT NULL,
		UNIQUE (primary_address),
		UNIQUE (secondary_address)
	)`,
	`CREATE TABLE IF NOT EXISTS basicblock_matches (
		function_match_id INTEGER NOT NULL REFERENCES function_matches (id),
		primary_address INTEGER NOT NULL,
		secondary_address INTEGER NOT NULL,
		similarity REAL NOT NULL,
		confidence REAL NOT NULL,
		step TEXT NOT NULL
	)`,
}

// createSchema runs outside the write transaction so a retried write never
// fails on half-created tables.
func (d *Database) createSchema() error {
	for _, stmt := range schema {
		if err := d.exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// WriteResults persists the complete fixed point set of a converged matching
// context as one atomic batch: either every record lands or none do. Earlier
// results in the same database are replaced.
func (d *Database) WriteResults(c *match.Context) error {
	if err := d.createSchema(); err != nil {
		return err
	}
	if err := d.Begin(); err != nil {
		return err
	}
	if err := d.writeAll(c); err != nil {
		if rbErr := d.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return d.Commit()
}

func (d *Database) writeAll(c *match.Context) error {
	for _, stmt := range []string{
		"DELETE FROM basicblock_matches",
		"DELETE FROM function_matches",
		"DELETE FROM metadata",
	} {
		if err := d.exec(stmt); err != nil {
			return err
		}
	}

	similarity, confidence := match.OverallScores(c)
	err := d.exec(
		"INSERT INTO metadata (id, primary_exe, secondary_exe, created, similarity, confidence) VALUES (1, ?, ?, ?, ?, ?)",
		c.Primary.CallGraph.ExeName,
		c.Secondary.CallGraph.ExeName,
		time.Now().UTC().Format(time.RFC3339),
		similarity,
		confidence,
	)
	if err != nil {
		return err
	}

	for _, fp := range c.FixedPoints() {
		primaryFn := c.Primary.CallGraph.Functions[fp.Primary]
		secondaryFn := c.Secondary.CallGraph.Functions[fp.Secondary]
		err := d.exec(
			"INSERT INTO function_matches (primary_address, secondary_address, primary_name, secondary_name, similarity, confidence, step) VALUES (?, ?, ?, ?, ?, ?, ?)",
			int64(primaryFn.Address), int64(secondaryFn.Address), primaryFn.Name, secondaryFn.Name,
			fp.Similarity, fp.Confidence, fp.Step,
		)
		if err != nil {
			return err
		}
		matchID := d.conn.LastInsertRowID()

		pfg, pok := c.Primary.FlowGraphFor(fp.Primary)
		sfg, sok := c.Secondary.FlowGraphFor(fp.Secondary)
		if !pok || !sok {
			continue
		}
		for _, bm := range fp.BasicBlockMatches() {
			err := d.exec(
				"INSERT INTO basicblock_matches (function_match_id, primary_address, secondary_address, similarity, confidence, step) VALUES (?, ?, ?, ?, ?, ?)",
				matchID,
				int64(pfg.Blocks[bm.Primary].Address),
				int64(sfg.Blocks[bm.Secondary].Address),
				bm.Similarity, bm.Confidence, bm.Step,
			)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
