package database

import (
	"database/sql"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// Connect to and setup the database.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// Set the maximum number of open connections to 1.
	// Writes are serialized by SQLite anyway, and a single connection keeps
	// in-memory databases and prepared statements on one handle.
	db.SetMaxOpenConns(1)

	// Enable WAL mode
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// MemoryDSN names an in-memory database shared by every connection that opens it.
// The database disappears with its last connection.
func MemoryDSN(name string) string {
	return "file:" + url.PathEscape(name) + "?mode=memory&cache=shared"
}
