// Package httpapi exposes the admin/worker-facing surface: command
// enqueue and results, recharge, and read-only projections.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/voltmet/prepaid-metering-worker/internal/balance"
	"github.com/voltmet/prepaid-metering-worker/internal/command"
	"github.com/voltmet/prepaid-metering-worker/internal/db"
	"go.uber.org/zap"
)

// ProjectionStore serves the read-only projections
type ProjectionStore interface {
	GetAccount(ctx context.Context, id int64) (*db.Account, error)
	TodayConsumption(ctx context.Context, accountID int64) (float64, error)
	OpenAlertsForAccount(ctx context.Context, accountID int64) ([]db.Alert, error)
	GetDevice(ctx context.Context, id int64) (*db.Device, error)
	LatestReading(ctx context.Context, deviceID int64) (*db.Reading, error)
	GetCommand(ctx context.Context, id int64) (*db.OutputCommand, error)
	RecentEvents(ctx context.Context, accountID *int64, limit int) ([]db.Event, error)
}

// Server is the HTTP API server
type Server struct {
	commands *command.Coordinator
	balances *balance.Machine
	store    ProjectionStore
	lowRatio float64
	logger   *zap.Logger
}

// NewServer creates a new HTTP API server
func NewServer(commands *command.Coordinator, balances *balance.Machine, store ProjectionStore, lowRatio float64, logger *zap.Logger) *Server {
	return &Server{
		commands: commands,
		balances: balances,
		store:    store,
		lowRatio: lowRatio,
		logger:   logger,
	}
}

// Routes builds the router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		r.Post("/devices/{deviceID}/commands", s.EnqueueCommand)
		r.Get("/devices/{deviceID}", s.GetDeviceSummary)

		r.Post("/commands/{commandID}/result", s.RecordCommandResult)
		r.Post("/commands/claim", s.ClaimCommands)
		r.Get("/commands/pending", s.ListPendingCommands)
		r.Get("/commands/{commandID}", s.GetCommand)

		r.Post("/accounts/{accountID}/recharge", s.Recharge)
		r.Get("/accounts/{accountID}", s.GetAccountSummary)
		r.Get("/accounts/{accountID}/alerts", s.ListOpenAlerts)

		r.Get("/events", s.ListEvents)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
