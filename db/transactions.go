package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventRelayCommand  EventKind = "relay_command"
	EventPulseComplete EventKind = "pulse_complete"
	EventRegistration  EventKind = "registration"
	EventAuthFailure   EventKind = "auth_failure"
	EventBrokerOnline  EventKind = "broker_online"
	EventConfigChange  EventKind = "config_change"
)

// tsLayout is fixed width so timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Event is one journal row. Relay is -1 for device-wide events.
type Event struct {
	ID     string    `json:"id"`
	Time   time.Time `json:"ts"`
	Kind   EventKind `json:"kind"`
	Relay  int       `json:"relay"`
	Source string    `json:"source,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

// InsertEvent stores e, assigning an ID when it has none.
func InsertEvent(db *sql.DB, e Event) (Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	tx, err := StartTransaction(db)
	if err != nil {
		return e, err
	}
	_, err = tx.Exec(`INSERT INTO events (id, ts, kind, relay, source, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time.UTC().Format(tsLayout), string(e.Kind), e.Relay, e.Source, e.Detail)
	if err != nil {
		RollbackTransaction(tx)
		return e, fmt.Errorf("insert event: %w", err)
	}
	return e, CommitTransaction(tx)
}

// PruneEvents deletes events older than before and reports how many were removed.
func PruneEvents(db *sql.DB, before time.Time) (int64, error) {
	tx, err := StartTransaction(db)
	if err != nil {
		return 0, err
	}
	res, err := tx.Exec(`DELETE FROM events WHERE ts < ?`, before.UTC().Format(tsLayout))
	if err != nil {
		RollbackTransaction(tx)
		return 0, fmt.Errorf("prune events: %w", err)
	}
	if err := CommitTransaction(tx); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
