package shutdown

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/db"
	"github.com/thatsimonsguy/relay-controller/internal/metrics"
)

type Engine interface {
	Shutdown()
}

// Shutdown releases every relay and leaves the broker, then closes the journal and the
// metrics client. Any of them may be nil.
func Shutdown(eng Engine, journal *db.Journal, m *metrics.Metrics) {
	if eng != nil {
		eng.Shutdown()
		log.Info().Msg("All relays released")
	}
	if err := journal.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close journal")
	}
	m.Close()
}

func ShutdownWithError(err error, msg string, eng Engine, journal *db.Journal, m *metrics.Metrics) {
	log.Error().Err(err).Msg(msg)
	Shutdown(eng, journal, m)
	os.Exit(1)
}
