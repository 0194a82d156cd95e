package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/db"
	"github.com/thatsimonsguy/relay-controller/internal/clock"
	"github.com/thatsimonsguy/relay-controller/internal/engine"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/store"
)

const (
	// A request can wait behind a full WiFi reconnect on the loop.
	requestTimeout = 60 * time.Second
	maxCertBytes   = 64 << 10
	defaultEvents  = 50

	authFailureWindow = 24 * time.Hour
)

// Controller is the part of the engine the API drives.
type Controller interface {
	Status(ctx context.Context) (engine.Status, error)
	SetWiFi(ctx context.Context, w engine.WiFiSettings) error
	SetRelay(ctx context.Context, index int, u engine.RelayUpdate) error
	SetSettings(ctx context.Context, s engine.Settings) error
	Register(ctx context.Context, index int, code string) (engine.RegisterResult, error)
	Reset(ctx context.Context) error
	InstallCert(ctx context.Context, der []byte) error
	RemoveCert(ctx context.Context) error
}

type Server struct {
	ctrl  Controller
	db    *sql.DB
	clock clock.Clock
}

type RegisterRequest struct {
	Code string `json:"code"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// NewServer builds the local provisioning API. database may be nil, in which case the
// events endpoint reports 503.
// NewServer serves ctrl. database may be nil when the journal is unavailable.
func NewServer(ctrl Controller, database *sql.DB, clk clock.Clock) *Server {
	return &Server{ctrl: ctrl, db: database, clock: clk}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/wifi", s.handleWiFi)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/relays/", s.handleRelayOperations)
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.HandleFunc("/api/cert", s.handleCert)
	mux.HandleFunc("/api/events", s.handleEvents)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		mux.ServeHTTP(w, r)
	})
}

// Start serves until ctx is cancelled, then shuts the listener down.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("API server shutdown")
		}
	}()

	log.Info().Str("address", addr).Msg("Starting REST API server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	st, err := s.ctrl.Status(ctx)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if s.db != nil {
		n, err := db.CountEvents(s.db, db.EventAuthFailure, s.clock.Now().Add(-authFailureWindow))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to count auth failures")
		} else {
			st.RecentAuthFailures = n
		}
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleWiFi(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req engine.WiFiSettings
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.ctrl.SetWiFi(ctx, req); err != nil {
		s.writeEngineError(w, err)
		return
	}
	log.Info().Str("primary", req.PrimarySSID).Str("backup", req.BackupSSID).Msg("WiFi updated via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req engine.Settings
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.ctrl.SetSettings(ctx, req); err != nil {
		s.writeEngineError(w, err)
		return
	}
	log.Info().Msg("Settings updated via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRelayOperations(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/relays/")
	parts := strings.Split(path, "/")

	if parts[0] == "" {
		s.writeError(w, http.StatusNotFound, "Relay index required")
		return
	}
	index, err := strconv.Atoi(parts[0])
	if err != nil || index < 0 || index >= model.MaxRelays {
		s.writeError(w, http.StatusNotFound, "Relay not found")
		return
	}

	switch {
	case len(parts) == 1:
		// /api/relays/{index}
		if r.Method != http.MethodPut {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.setRelay(w, r, index)
	case len(parts) == 2 && parts[1] == "register":
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.register(w, r, index)
	case len(parts) == 2:
		s.writeError(w, http.StatusNotFound, "Unknown operation")
	default:
		s.writeError(w, http.StatusNotFound, "Invalid path")
	}
}

func (s *Server) setRelay(w http.ResponseWriter, r *http.Request, index int) {
	var req engine.RelayUpdate
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.ctrl.SetRelay(ctx, index, req); err != nil {
		s.writeEngineError(w, err)
		return
	}
	log.Info().Int("relay", index).Msg("Relay updated via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request, index int) {
	var req RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	res, err := s.ctrl.Register(ctx, index, req.Code)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Registered {
		status = http.StatusAccepted
	}
	log.Info().Int("relay", index).Bool("registered", res.Registered).Msg("Enrollment code submitted via API")
	s.writeJSON(w, status, res)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.ctrl.Reset(ctx); err != nil {
		s.writeEngineError(w, err)
		return
	}
	log.Warn().Msg("Factory reset via API")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCert(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCertBytes))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Certificate too large")
			return
		}
		if err := s.ctrl.InstallCert(ctx, certDER(body)); err != nil {
			s.writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if err := s.ctrl.RemoveCert(ctx); err != nil {
			s.writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// certDER accepts a PEM certificate or raw DER.
func certDER(body []byte) []byte {
	if block, _ := pem.Decode(body); block != nil && block.Type == "CERTIFICATE" {
		return block.Bytes
	}
	return body
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Journal disabled")
		return
	}

	limit, relay := defaultEvents, -1
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	if v := q.Get("relay"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n >= model.MaxRelays {
			s.writeError(w, http.StatusBadRequest, "Invalid relay")
			return
		}
		relay = n
	}

	events, err := db.RecentEvents(s.db, limit, relay)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read journal")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []db.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return false
	}
	return true
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("API request failed")
	}
	s.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidRelay):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidName),
		errors.Is(err, engine.ErrInvalidPin),
		errors.Is(err, engine.ErrInvalidValue),
		errors.Is(err, engine.ErrNoCert),
		errors.Is(err, model.ErrInvalidEnrollmentCode),
		errors.Is(err, store.ErrInvalidCert):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
