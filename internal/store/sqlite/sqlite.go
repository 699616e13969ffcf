package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/golang-migrate/migrate/v4"

	"github.com/coldvault/coldvault/internal/store/constants"
)

const maxAttempts = 100

// Database is the SQLite-backed store. Reads go through a pooled
// read-only handle; writes are serialized through a single connection.
type Database struct {
	readDb  *sql.DB
	writeDb *sql.DB
	writeMu sync.Mutex
	dbPath  string
}

// Initialize opens (or creates) the SQLite database at dbPath and
// applies any pending migrations.
func Initialize(dbPath string) (*Database, error) {
	if dbPath == "" {
		dbPath = constants.DefaultDBPath
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("Initialize: error creating DB dir: %w", err)
	}

	writeDb, err := sql.Open("sqlite", dbPath+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("Initialize: error opening DB: %w", err)
	}
	writeDb.SetMaxOpenConns(1)

	_, err = writeDb.Exec("PRAGMA journal_mode=WAL;")
	if err != nil {
		return nil, fmt.Errorf("Initialize: error DB: %w", err)
	}
	_, err = writeDb.Exec("PRAGMA foreign_keys=ON;")
	if err != nil {
		return nil, fmt.Errorf("Initialize: error DB: %w", err)
	}

	readDb, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("Initialize: error opening DB: %w", err)
	}

	database := &Database{
		dbPath:  dbPath,
		readDb:  readDb,
		writeDb: writeDb,
	}

	if err := database.Migrate(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("Initialize: error migrating tables: %w", err)
	}

	return database, nil
}

func (d *Database) NewTransaction() (*sql.Tx, error) {
	return d.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
}

func (d *Database) Close() error {
	rErr := d.readDb.Close()
	wErr := d.writeDb.Close()
	if wErr != nil {
		return wErr
	}
	return rErr
}
