package db

import (
	"database/sql"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/clock"
)

// Journal records controller events. Write failures are logged and otherwise ignored; a
// nil *Journal records nothing.
type Journal struct {
	db    *sql.DB
	clock clock.Clock
}

func NewJournal(db *sql.DB, clk clock.Clock) *Journal {
	return &Journal{db: db, clock: clk}
}

func (j *Journal) Record(kind EventKind, relay int, source, detail string) {
	if j == nil || j.db == nil {
		return
	}
	_, err := InsertEvent(j.db, Event{
		Time:   j.clock.Now(),
		Kind:   kind,
		Relay:  relay,
		Source: source,
		Detail: detail,
	})
	if err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("Failed to journal event")
	}
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
