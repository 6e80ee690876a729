// Package api exposes Solyn's HTTP surface: the turn endpoint used by the
// web client, the Twilio inbound webhook, checkup control, and state
// inspection for operator tooling.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/solyn-app/solyn/internal/messaging"
	"github.com/solyn-app/solyn/internal/models"
	"github.com/solyn-app/solyn/internal/store"
)

// Engine is the orchestration surface the API needs.
type Engine interface {
	ProcessTurn(ctx context.Context, req models.TurnRequest) (*models.TurnResult, error)
	StartCheckup(userID, scope string, items []string) error
	CloseSession(userID, scope string, outcome models.CloseOutcome) error
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the HTTP handlers to the engine and store.
type Server struct {
	engine Engine
	st     store.Store
	twilio *messaging.TwilioService // nil when the Twilio channel is disabled
	srv    *http.Server
}

// NewServer creates the API server. twilioSvc may be nil.
func NewServer(engine Engine, st store.Store, twilioSvc *messaging.TwilioService, opts ...Option) *Server {
	cfg := Opts{Addr: ":8080"}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{engine: engine, st: st, twilio: twilioSvc}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.HandleFunc("/v1/turn", s.turnHandler)
	mux.HandleFunc("/v1/checkup", s.checkupHandler)
	mux.HandleFunc("/v1/session/close", s.sessionCloseHandler)
	mux.HandleFunc("/v1/state/", s.stateHandler)
	mux.HandleFunc("/v1/turns/", s.turnsHandler)
	mux.HandleFunc("/webhook/twilio", s.twilioWebhookHandler)

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run starts serving and blocks until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	slog.Info("api.Run: listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// apiResponse is the JSON envelope for every endpoint.
type apiResponse struct {
	Status string      `json:"status"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("api.writeJSON: encode failed", "error", err)
	}
}

func writeResult(w http.ResponseWriter, result interface{}) {
	writeJSON(w, http.StatusOK, apiResponse{Status: "ok", Result: result})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiResponse{Status: "error", Error: msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeResult(w, map[string]string{"status": "healthy"})
}

// turnHandler processes one web-client turn synchronously.
func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Channel == "" {
		req.Channel = models.ChannelWeb
	}
	if req.Scope == "" {
		req.Scope = messaging.DefaultScope
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.engine.ProcessTurn(r.Context(), req)
	if err != nil {
		slog.Error("api.turnHandler: turn failed", "error", err, "userID", req.UserID)
		writeError(w, http.StatusInternalServerError, "failed to process turn")
		return
	}
	writeResult(w, result)
}

type checkupRequest struct {
	UserID string   `json:"user_id"`
	Scope  string   `json:"scope"`
	Items  []string `json:"items"`
}

// checkupHandler opens a habit checkup for a user.
func (s *Server) checkupHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req checkupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "user_id and items are required")
		return
	}
	if req.Scope == "" {
		req.Scope = messaging.DefaultScope
	}
	if err := s.engine.StartCheckup(req.UserID, req.Scope, req.Items); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeResult(w, map[string]string{"status": "checkup started"})
}

type sessionCloseRequest struct {
	UserID  string `json:"user_id"`
	Scope   string `json:"scope"`
	Outcome string `json:"outcome"`
}

// sessionCloseHandler ends the active topic session for a user. Operator
// counterpart to the companion's topic_progress tool.
func (s *Server) sessionCloseHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req sessionCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Scope == "" {
		req.Scope = messaging.DefaultScope
	}
	var outcome models.CloseOutcome
	switch req.Outcome {
	case "", string(models.CloseOutcomeNormal):
		outcome = models.CloseOutcomeNormal
	case string(models.CloseOutcomeAborted):
		outcome = models.CloseOutcomeAborted
	default:
		writeError(w, http.StatusBadRequest, "outcome must be normal or aborted")
		return
	}
	if err := s.engine.CloseSession(req.UserID, req.Scope, outcome); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeResult(w, map[string]string{"status": "session closed"})
}

// stateHandler returns the chat state for /v1/state/{user}?scope=...
func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := strings.TrimPrefix(r.URL.Path, "/v1/state/")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return
	}
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = messaging.DefaultScope
	}
	state, err := s.st.GetChatState(userID, scope)
	if err != nil {
		slog.Error("api.stateHandler: load failed", "error", err, "userID", userID)
		writeError(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "no state for user")
		return
	}
	writeResult(w, state)
}

// turnsHandler returns the recent turn log for /v1/turns/{user}?scope=&limit=
func (s *Server) turnsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := strings.TrimPrefix(r.URL.Path, "/v1/turns/")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return
	}
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = messaging.DefaultScope
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.st.GetTurnRecords(userID, scope, limit)
	if err != nil {
		slog.Error("api.turnsHandler: load failed", "error", err, "userID", userID)
		writeError(w, http.StatusInternalServerError, "failed to load turns")
		return
	}
	writeResult(w, records)
}

// twilioWebhookHandler receives Twilio's form-encoded inbound message webhook
// and feeds it to the Twilio service. The reply goes out asynchronously
// through the dispatcher, so the webhook answers immediately.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.twilio == nil {
		writeError(w, http.StatusServiceUnavailable, "twilio channel is not enabled")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	from := strings.TrimPrefix(r.FormValue("From"), "whatsapp:")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		writeError(w, http.StatusBadRequest, "From and Body are required")
		return
	}
	s.twilio.EmitInbound(from, body)
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}
