package database

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // sqlite driver (pure Go)
)

// NewLocalStore opens the on-device SQLite database backing the durable
// action queue. The busy timeout covers the agent's API handlers and the
// sync engine touching the file concurrently.
func NewLocalStore(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping local store: %w", err)
	}
	return db, nil
}
