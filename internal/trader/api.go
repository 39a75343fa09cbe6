package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"tinvest-trade-bot/internal/database"

	"go.uber.org/zap"
)

// requestTimeout bounds how long a control request waits for the loop.
const requestTimeout = 2 * time.Minute

// APIServer provides the HTTP control interface of the trading engine.
type APIServer struct {
	server *http.Server
	engine *Engine
	logger *zap.Logger
}

// NewAPIServer creates a new APIServer listening on port.
func NewAPIServer(engine *Engine, port int, logger *zap.Logger) *APIServer {
	s := &APIServer{
		engine: engine,
		logger: logger.Named("api-server"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes of the control API.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /portfolio", s.portfolioHandler)
	mux.HandleFunc("GET /trades", s.tradesHandler)
	mux.HandleFunc("GET /report", s.reportHandler)
	mux.HandleFunc("POST /entries/start", s.entriesHandler(true))
	mux.HandleFunc("POST /entries/stop", s.entriesHandler(false))
	mux.HandleFunc("POST /risk/reset", s.riskResetHandler)
	mux.HandleFunc("POST /positions/flatten", s.flattenHandler)
	return mux
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotRunning):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	status := struct {
		UUID       string    `json:"uuid"`
		Name       string    `json:"name"`
		StartTime  string    `json:"start_time"`
		Uptime     string    `json:"uptime"`
		Running    bool      `json:"running"`
		Simulation bool      `json:"simulation"`
		CycleID    string    `json:"cycle_id"`
		LastCycle  time.Time `json:"last_cycle"`
		Cycles     int64     `json:"cycles"`
		LastError  string    `json:"last_error,omitempty"`
		Admission  any       `json:"admission"`
		Risk       any       `json:"risk"`
	}{
		UUID:       s.engine.UUID,
		Name:       s.engine.Name,
		StartTime:  s.engine.StartTime.Format(time.RFC3339),
		Uptime:     time.Since(s.engine.StartTime).String(),
		Running:    s.engine.running.Load(),
		Simulation: s.engine.c.Simulation,
		CycleID:    snap.CycleID,
		LastCycle:  snap.At,
		Cycles:     snap.Cycles,
		LastError:  snap.LastError,
		Admission:  snap.Admission,
		Risk:       snap.Risk,
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *APIServer) portfolioHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"account":   snap.Account,
		"positions": snap.Positions,
		"at":        snap.At,
	})
}

func (s *APIServer) tradesHandler(w http.ResponseWriter, r *http.Request) {
	db := s.engine.DB()
	if db == nil {
		s.writeError(w, errors.New("trade projection disabled"))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	trades, err := database.Trades(db, r.URL.Query().Get("symbol"), limit)
	if err != nil {
		s.logger.Error("Failed to get trades from database", zap.Error(err))
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *APIServer) reportHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Snapshot().Report)
}

func (s *APIServer) entriesHandler(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.engine.SetEntriesEnabled(enabled)
		s.writeJSON(w, http.StatusOK, map[string]bool{"entriesEnabled": enabled})
	}
}

func (s *APIServer) riskResetHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	st, err := s.engine.ResetRisk(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *APIServer) flattenHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.engine.Flatten(ctx); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"positions": s.engine.Snapshot().Positions})
}
