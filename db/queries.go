package db

import (
	"database/sql"
	"fmt"
	"time"
)

// RecentEvents returns up to limit events, newest first. relay < 0 selects all relays.
func RecentEvents(db *sql.DB, limit, relay int) ([]Event, error) {
	query := `SELECT id, ts, kind, relay, source, detail FROM events`
	args := []any{}
	if relay >= 0 {
		query += ` WHERE relay = ?`
		args = append(args, relay)
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e  Event
			ts string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.Relay, &e.Source, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Time, _ = time.Parse(time.RFC3339Nano, ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEvents counts events of kind recorded at or after since.
func CountEvents(db *sql.DB, kind EventKind, since time.Time) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM events WHERE kind = ? AND ts >= ?`,
		string(kind), since.UTC().Format(tsLayout)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s events: %w", kind, err)
	}
	return n, nil
}
