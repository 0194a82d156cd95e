package db

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/relay-controller/internal/clock"
)

func openTest(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSourceColumnMigration(t *testing.T) {
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer conn.Close()
	conn.SetMaxOpenConns(1)

	// first-release layout, no source column
	_, err = conn.Exec(`CREATE TABLE events (
		id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		kind TEXT NOT NULL,
		relay INTEGER NOT NULL DEFAULT -1,
		detail TEXT NOT NULL DEFAULT ''
	)`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO events (id, ts, kind, relay) VALUES ('old', '2025-03-01T10:00:00Z', 'relay_command', 0)`)
	require.NoError(t, err)

	has, err := hasColumn(conn, "events", "source")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, ApplyMigrations(conn))
	require.NoError(t, ApplyMigrations(conn), "migrations are idempotent")

	has, err = hasColumn(conn, "events", "source")
	require.NoError(t, err)
	assert.True(t, has)

	events, err := RecentEvents(conn, 10, -1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "old", events[0].ID)
	assert.Empty(t, events[0].Source)
}

func TestInsertAndQueryEvents(t *testing.T) {
	conn := openTest(t)
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, e := range []Event{
		{Time: base, Kind: EventRelayCommand, Relay: 0, Source: "mqtt", Detail: "pulse 1000ms"},
		{Time: base.Add(time.Second), Kind: EventPulseComplete, Relay: 0},
		{Time: base.Add(2 * time.Second), Kind: EventRelayCommand, Relay: 1, Source: "api", Detail: "on"},
		{Time: base.Add(3 * time.Second), Kind: EventAuthFailure, Relay: -1},
	} {
		stored, err := InsertEvent(conn, e)
		require.NoError(t, err, i)
		assert.NotEmpty(t, stored.ID)
	}

	all, err := RecentEvents(conn, 10, -1)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, EventAuthFailure, all[0].Kind, "newest first")
	assert.True(t, all[3].Time.Equal(base))
	assert.Equal(t, "pulse 1000ms", all[3].Detail)

	relay0, err := RecentEvents(conn, 10, 0)
	require.NoError(t, err)
	assert.Len(t, relay0, 2)

	limited, err := RecentEvents(conn, 1, -1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	n, err := CountEvents(conn, EventRelayCommand, base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPruneEvents(t *testing.T) {
	conn := openTest(t)
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for d := 0; d < 5; d++ {
		_, err := InsertEvent(conn, Event{Time: base.AddDate(0, 0, d), Kind: EventRelayCommand})
		require.NoError(t, err)
	}

	removed, err := PruneEvents(conn, base.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.EqualValues(t, 3, removed)

	left, err := RecentEvents(conn, 10, -1)
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestJournal(t *testing.T) {
	conn := openTest(t)
	clk := clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	j := NewJournal(conn, clk)

	j.Record(EventRegistration, 2, "api", "topic=door")
	clk.Advance(time.Minute)
	j.Record(EventPulseComplete, 2, "", "")

	events, err := RecentEvents(conn, 10, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventPulseComplete, events[0].Kind)
	assert.Equal(t, "topic=door", events[1].Detail)
	assert.True(t, events[0].Time.Equal(clk.Now()))

	var nilJournal *Journal
	assert.NotPanics(t, func() { nilJournal.Record(EventAuthFailure, -1, "", "") })
	assert.NoError(t, nilJournal.Close())
}

func TestHistoryCLI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	conn, err := Open(path)
	require.NoError(t, err)
	_, err = InsertEvent(conn, Event{Time: time.Now(), Kind: EventBrokerOnline, Relay: -1})
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	events, err := HistoryCLI(path, 5, -1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventBrokerOnline, events[0].Kind)

	_, err = HistoryCLI(filepath.Join(t.TempDir(), "missing.db"), 5, -1)
	assert.Error(t, err)
}
