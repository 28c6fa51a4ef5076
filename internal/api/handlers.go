package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/metrics"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

const maxRequestBodyBytes = 64 << 10

// Server serves the CoachPipe HTTP endpoints.
type Server struct {
	dispatcher messaging.TurnDispatcher
	st         store.Store
	canonical  func(string) (string, error)
	webhook    http.HandlerFunc
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRecipientValidator canonicalizes conversation ids taken from request paths.
func WithRecipientValidator(fn func(string) (string, error)) ServerOption {
	return func(s *Server) { s.canonical = fn }
}

// WithTwilioWebhook mounts the Twilio inbound webhook. A nil handler leaves the route unmounted.
func WithTwilioWebhook(h http.HandlerFunc) ServerOption {
	return func(s *Server) { s.webhook = h }
}

// NewServer creates a Server over a dispatcher and the state store.
func NewServer(dispatcher messaging.TurnDispatcher, st store.Store, opts ...ServerOption) *Server {
	s := &Server{dispatcher: dispatcher, st: st, canonical: trimID}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func trimID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", models.ErrEmptyConvID
	}
	return id, nil
}

// Routes returns the HTTP handler for all endpoints.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversations/{id}/messages", s.postMessageHandler)
	mux.HandleFunc("GET /conversations/{id}", s.getConversationHandler)
	mux.HandleFunc("GET /conversations", s.listConversationsHandler)
	mux.HandleFunc("GET /receipts", s.receiptsHandler)
	mux.HandleFunc("GET /healthz", s.healthHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	if s.webhook != nil {
		mux.HandleFunc("POST /twilio/webhook", s.webhook)
	}
	return mux
}

type messageRequest struct {
	Body string `json:"body"`
}

// turnResult is returned after an injected utterance has been processed.
type turnResult struct {
	ConversationID string       `json:"conversation_id"`
	Step           models.Step  `json:"step"`
	Phase          models.Phase `json:"phase"`
}

// postMessageHandler runs one turn synchronously, as if the utterance arrived from the transport.
func (s *Server) postMessageHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id, err := s.canonical(r.PathValue("id"))
	if err != nil {
		slog.Warn("Server.postMessageHandler: invalid conversation id", "id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.postMessageHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	if err := s.dispatcher.Dispatch(r.Context(), id, req.Body); err != nil {
		if errors.Is(err, models.ErrEmptyUtterance) || errors.Is(err, models.ErrEmptyConvID) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Server.postMessageHandler: turn failed", "conversationID", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to process message")
		return
	}

	state, err := s.st.GetConversation(id)
	if err != nil || state == nil {
		slog.Error("Server.postMessageHandler: state unavailable after turn", "conversationID", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load conversation state")
		return
	}
	slog.Debug("Server.postMessageHandler: turn processed", "conversationID", id, "step", state.Onboarding.Step)
	writeJSONResponse(w, http.StatusOK, models.Success(turnResult{
		ConversationID: id,
		Step:           state.Onboarding.Step,
		Phase:          state.Onboarding.Phase,
	}))
}

func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := s.canonical(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := s.st.GetConversation(id)
	if err != nil {
		slog.Error("Server.getConversationHandler: failed to load state", "conversationID", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load conversation state")
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	records, err := s.st.ListConversations()
	if err != nil {
		slog.Error("Server.listConversationsHandler: failed to list conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list conversations")
		return
	}
	if records == nil {
		records = []store.ConversationRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.st.GetReceipts()
	if err != nil {
		slog.Error("Server.receiptsHandler: failed to get receipts", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch receipts")
		return
	}
	if receipts == nil {
		receipts = []models.Receipt{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success("healthy"))
}
