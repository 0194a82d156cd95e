package db

import (
	"database/sql"
	"fmt"
	"os"
)

// HistoryCLI reads the journal at dbPath without migrating it.
func HistoryCLI(dbPath string, limit, relay int) ([]Event, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("journal %s: %w", dbPath, err)
	}
	conn, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return RecentEvents(conn, limit, relay)
}
