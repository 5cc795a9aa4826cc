package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relayguard/relayguard/internal/guardian"
)

// relayRequest is one caller submission.
type relayRequest struct {
	Sender           string          `json:"sender"`
	Session          string          `json:"session"`
	Sequence         uint64          `json:"sequence"`
	Prompt           string          `json:"prompt"`
	Attachments      []string        `json:"attachments,omitempty"`
	PersonaID        string          `json:"persona_id,omitempty"`
	ToolSpecs        json.RawMessage `json:"tool_specs,omitempty"`
	GenerationParams map[string]any  `json:"generation_params,omitempty"`
}

type relayResponse struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
	Attempts  int    `json:"attempts"`
	Fallback  bool   `json:"fallback,omitempty"`
	ToolCall  bool   `json:"tool_call,omitempty"`
}

// RelayHandler exposes the guardian over HTTP.
type RelayHandler struct {
	guardian *guardian.Guardian
	logger   *slog.Logger
}

// NewRelayHandler creates the handler.
func NewRelayHandler(g *guardian.Guardian, logger *slog.Logger) *RelayHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayHandler{guardian: g, logger: logger}
}

// RegisterRoutes mounts the relay endpoints on the router.
func (h *RelayHandler) RegisterRoutes(r chi.Router) {
	r.Post("/v1/relay", h.handleRelay)
	r.Get("/healthz", h.handleHealth)
}

// httpSink adapts the per-request terminal signal to an HTTP response
// decision. Exactly one of text delivery or suppression is observed.
type httpSink struct {
	text       string
	delivered  bool
	suppressed bool
}

func (s *httpSink) SetResult(text string) {
	s.text = text
	s.delivered = true
}

func (s *httpSink) ClearResult()    { s.suppressed = true }
func (s *httpSink) StopProcessing() { s.suppressed = true }

func (h *RelayHandler) handleRelay(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}

	sub := &guardian.Submission{
		Sender:           req.Sender,
		Session:          req.Session,
		Sequence:         req.Sequence,
		Prompt:           req.Prompt,
		Attachments:      req.Attachments,
		PersonaID:        req.PersonaID,
		ToolSpecs:        req.ToolSpecs,
		GenerationParams: req.GenerationParams,
	}

	sink := &httpSink{}
	outcome, err := h.guardian.Handle(r.Context(), sub, sink)
	if err != nil {
		AddError(r.Context(), err)
		if r.Context().Err() != nil {
			http.Error(w, "request cancelled", http.StatusRequestTimeout)
			return
		}
	}
	if outcome != nil {
		AddLogField(r.Context(), "relay_request_id", outcome.RequestID)
	}

	// Suppressed output maps to an intentionally empty response.
	if !sink.delivered {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := relayResponse{
		RequestID: outcome.RequestID,
		Text:      sink.text,
		Attempts:  outcome.AttemptsUsed,
		Fallback:  outcome.FromFallback,
		ToolCall:  outcome.ToolCall,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (h *RelayHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
