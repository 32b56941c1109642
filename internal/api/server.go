package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tabhouse/tabhouse/internal/closing"
	"github.com/tabhouse/tabhouse/internal/lifecycle"
	"github.com/tabhouse/tabhouse/internal/logbuf"
	"github.com/tabhouse/tabhouse/internal/metrics"
	"github.com/tabhouse/tabhouse/internal/operating"
	"github.com/tabhouse/tabhouse/internal/settings"
	"github.com/tabhouse/tabhouse/internal/ticket"
	"github.com/tabhouse/tabhouse/pkg/protocol"
)

// LogQuerier abstracts log entry querying to avoid coupling to logbuf's Buffer.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// StateMachine is the operating state the API reports and overrides.
type StateMachine interface {
	State() protocol.OperatingState
	ForceOpen() error
	ForceClose() error
	Subscribe(fn func(protocol.OperatingState))
}

// Tickets is the lifecycle service as seen by the API.
type Tickets interface {
	CreateTicket(table string) (*protocol.Ticket, error)
	GetTicket(id int64) (*protocol.Ticket, error)
	List(stage protocol.Stage) ([]*protocol.Ticket, error)
	DeleteTicket(id int64) error
	AddOrder(id int64, items []protocol.OrderItem) (*protocol.Order, error)
	UpdateOrder(id int64, orderID string, items []protocol.OrderItem) (*protocol.Order, error)
	RemoveOrder(id int64, orderID string) error
	CompleteTicket(id int64) (*protocol.Ticket, error)
	ReopenTicket(id int64) (*protocol.Ticket, error)
	CloseTicket(id int64) (*protocol.Ticket, error)
}

// Hours reads and replaces the weekly schedule.
type Hours interface {
	Hours() protocol.Hours
	SetHours(hours protocol.Hours) error
}

// Archives lists indexed archive files.
type Archives interface {
	List(limit int) ([]*protocol.ArchiveRecord, error)
}

// ClosingStatus reports the last closing sequence.
type ClosingStatus interface {
	LastRun() (closing.Run, bool)
}

// Resync reports the periodic state re-check schedule.
type Resync interface {
	NextRun(name string) (time.Time, bool)
}

// ResyncJob is the scheduler job name reported by the health endpoint.
const ResyncJob = "resync"

// Deps are the services behind the API. Archives, Closing and Resync may
// be nil.
type Deps struct {
	State      StateMachine
	Tickets    Tickets
	Hours      Hours
	Archives   Archives
	Closing    ClosingStatus
	Resync     Resync
	ArchiveDir string
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

// Server is the tabhouse REST API server.
type Server struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	logs   LogQuerier
	srv    *http.Server
	hub    *hub

	done     chan struct{}
	doneOnce sync.Once
}

// NewServer creates a new API server. logs may be nil.
func NewServer(deps Deps, cfg Config, logger *slog.Logger, logs LogQuerier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "api"),
		logs:   logs,
		hub:    newHub(),
		done:   make(chan struct{}),
	}
	deps.State.Subscribe(s.hub.publish)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/state", s.requireAuth(s.handleGetState))
	mux.HandleFunc("POST /api/state/open", s.requireAuth(s.handleForceOpen))
	mux.HandleFunc("POST /api/state/close", s.requireAuth(s.handleForceClose))
	mux.HandleFunc("GET /api/state/stream", s.requireAuth(s.handleStateStream))
	mux.HandleFunc("GET /api/closing", s.requireAuth(s.handleGetClosing))

	mux.HandleFunc("GET /api/hours", s.requireAuth(s.handleGetHours))
	mux.HandleFunc("PUT /api/hours", s.requireAuth(s.handlePutHours))

	mux.HandleFunc("GET /api/tickets", s.requireAuth(s.handleListTickets))
	mux.HandleFunc("POST /api/tickets", s.requireAuth(s.handleCreateTicket))
	mux.HandleFunc("GET /api/tickets/{id}", s.requireAuth(s.handleGetTicket))
	mux.HandleFunc("DELETE /api/tickets/{id}", s.requireAuth(s.handleDeleteTicket))
	mux.HandleFunc("POST /api/tickets/{id}/orders", s.requireAuth(s.handleAddOrder))
	mux.HandleFunc("PUT /api/tickets/{id}/orders/{order}", s.requireAuth(s.handleUpdateOrder))
	mux.HandleFunc("DELETE /api/tickets/{id}/orders/{order}", s.requireAuth(s.handleRemoveOrder))
	mux.HandleFunc("POST /api/tickets/{id}/complete", s.requireAuth(s.ticketAction(deps.Tickets.CompleteTicket)))
	mux.HandleFunc("POST /api/tickets/{id}/reopen", s.requireAuth(s.ticketAction(deps.Tickets.ReopenTicket)))
	mux.HandleFunc("POST /api/tickets/{id}/close", s.requireAuth(s.ticketAction(deps.Tickets.CloseTicket)))

	mux.HandleFunc("GET /api/archives", s.requireAuth(s.handleListArchives))
	mux.HandleFunc("GET /api/archives/{date}", s.requireAuth(s.handleGetArchive))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           metrics.InstrumentHandler(s.corsMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Close ends open state streams. Shutdown does not track hijacked
// connections, so they are told to leave here.
func (s *Server) Close() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- State ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]string{"status": "ok"}
	if s.deps.Resync != nil {
		if next, ok := s.deps.Resync.NextRun(ResyncJob); ok && !next.IsZero() {
			body["next_resync"] = next.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.State.State())
}

func (s *Server) handleForceOpen(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.State.ForceOpen(); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("force open requested")
	writeJSON(w, http.StatusOK, s.deps.State.State())
}

func (s *Server) handleForceClose(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.State.ForceClose(); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("force close requested")
	writeJSON(w, http.StatusOK, s.deps.State.State())
}

func (s *Server) handleGetClosing(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Closing == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no closing sequence has run"})
		return
	}
	run, ok := s.deps.Closing.LastRun()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no closing sequence has run"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- Hours ---

func (s *Server) handleGetHours(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Hours.Hours())
}

func (s *Server) handlePutHours(w http.ResponseWriter, r *http.Request) {
	var hours protocol.Hours
	if err := json.NewDecoder(r.Body).Decode(&hours); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	for day, v := range hours {
		v = strings.TrimSpace(v)
		if v == "" || strings.EqualFold(v, settings.Closed) {
			continue
		}
		open, closeAt := settings.SplitHours(v)
		if err := operating.CheckHours(open, closeAt); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("%s: %v", day, err)})
			return
		}
	}
	if err := s.deps.Hours.SetHours(hours); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Hours.Hours())
}

// --- Tickets ---

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	stages := []protocol.Stage{protocol.StageActive, protocol.StageCompleted, protocol.StageClosed}
	if st := r.URL.Query().Get("stage"); st != "" {
		stages = []protocol.Stage{protocol.Stage(st)}
	}

	out := []*protocol.Ticket{}
	for _, st := range stages {
		list, err := s.deps.Tickets.List(st)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		out = append(out, list...)
	}
	writeJSON(w, http.StatusOK, out)
}

type createTicketRequest struct {
	Table string `json:"table"`
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.Table) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "table is required"})
		return
	}
	if !s.deps.State.State().IsOpen {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "venue is closed"})
		return
	}
	t, err := s.deps.Tickets.CreateTicket(strings.TrimSpace(req.Table))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(w, r)
	if !ok {
		return
	}
	t, err := s.deps.Tickets.GetTicket(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Tickets.DeleteTicket(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type orderRequest struct {
	Items []protocol.OrderItem `json:"items"`
}

func (s *Server) handleAddOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(w, r)
	if !ok {
		return
	}
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	o, err := s.deps.Tickets.AddOrder(id, req.Items)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(w, r)
	if !ok {
		return
	}
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	o, err := s.deps.Tickets.UpdateOrder(id, r.PathValue("order"), req.Items)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleRemoveOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Tickets.RemoveOrder(id, r.PathValue("order")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ticketAction(fn func(int64) (*protocol.Ticket, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := ticketID(w, r)
		if !ok {
			return
		}
		t, err := fn(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// --- Archives ---

func (s *Server) handleListArchives(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archives == nil {
		writeJSON(w, http.StatusOK, []*protocol.ArchiveRecord{})
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.deps.Archives.List(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []*protocol.ArchiveRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetArchive(w http.ResponseWriter, r *http.Request) {
	date := r.PathValue("date")
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "date must be YYYY-MM-DD"})
		return
	}
	a, err := ticket.ReadArchive(s.deps.ArchiveDir, date)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- Logs ---

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	q := r.URL.Query()
	f := logbuf.Filter{
		MinLevel:  slog.LevelDebug,
		Component: q.Get("component"),
		Limit:     200,
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if lvl := q.Get("level"); lvl != "" {
		f.MinLevel = logbuf.ParseLevel(lvl)
	}
	if since := q.Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			f.Since = time.UnixMilli(ms)
		}
	}

	writeJSON(w, http.StatusOK, s.logs.Query(f))
}

// --- Helpers ---

func ticketID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ticket id must be a positive integer"})
		return 0, false
	}
	return id, true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrTicketNotFound),
		errors.Is(err, lifecycle.ErrOrderNotFound),
		errors.Is(err, ticket.ErrArchiveNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrTicketClosed),
		errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrEmptyOrder),
		errors.Is(err, settings.ErrUnknownDay),
		errors.Is(err, settings.ErrInvalidTaxRate),
		errors.Is(err, operating.ErrInvalidHours):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
