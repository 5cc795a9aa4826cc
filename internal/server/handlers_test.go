package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relayguard/relayguard/internal/core/domain"
	"github.com/relayguard/relayguard/internal/fallback"
	"github.com/relayguard/relayguard/internal/guardian"
	"github.com/relayguard/relayguard/internal/scheduler"
	"github.com/relayguard/relayguard/internal/snapshot"
)

// queueCaller returns canned results in order, then empties.
type queueCaller struct {
	results []*domain.ModelResult
}

func (c *queueCaller) Complete(context.Context, *domain.RequestSnapshot) (*domain.ModelResult, error) {
	if len(c.results) == 0 {
		return &domain.ModelResult{Kind: domain.ResultFinalText}, nil
	}
	res := c.results[0]
	c.results = c.results[1:]
	return res, nil
}

type acceptNonEmpty struct{}

func (acceptNonEmpty) Evaluate(res *domain.ModelResult) domain.Verdict {
	if !res.HasContent() {
		return domain.Retry(domain.ReasonEmpty)
	}
	return domain.Accept()
}

func newTestRouter(caller *queueCaller, fbMessage string) *chi.Mux {
	cls := acceptNonEmpty{}
	sched := scheduler.New(cls, scheduler.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, DelayMode: scheduler.DelayFixed}, nil, nil)
	g := guardian.New(caller, cls, sched, snapshot.NewStore(0, nil), fallback.New(fbMessage, nil))

	r := chi.NewRouter()
	NewRelayHandler(g, nil).RegisterRoutes(r)
	return r
}

func TestHandleRelayAcceptedResponse(t *testing.T) {
	router := newTestRouter(&queueCaller{results: []*domain.ModelResult{
		{Kind: domain.ResultFinalText, Text: "hello there", FinishReason: domain.FinishReasonStop},
	}}, "fallback")

	body := `{"sender":"u1","session":"s1","prompt":"hi"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/relay", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp relayResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp.Text != "hello there" || resp.Fallback {
		t.Errorf("response = %+v", resp)
	}
	if resp.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", resp.Attempts)
	}
	if resp.RequestID == "" {
		t.Error("request_id should be set")
	}
}

func TestHandleRelayFallbackResponse(t *testing.T) {
	router := newTestRouter(&queueCaller{}, "sorry, try again later")

	body := `{"sender":"u1","session":"s1","prompt":"hi"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/relay", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp relayResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if !resp.Fallback || resp.Text != "sorry, try again later" {
		t.Errorf("response = %+v, want verbatim fallback", resp)
	}
}

func TestHandleRelaySuppressedOutputReturnsNoContent(t *testing.T) {
	router := newTestRouter(&queueCaller{}, "")

	body := `{"sender":"u1","session":"s1","prompt":"hi"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/relay", strings.NewReader(body)))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
}

func TestHandleRelayRejectsMissingPrompt(t *testing.T) {
	router := newTestRouter(&queueCaller{}, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/relay", strings.NewReader(`{"sender":"u1"}`)))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleRelayRejectsBadJSON(t *testing.T) {
	router := newTestRouter(&queueCaller{}, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/relay", strings.NewReader("{not json")))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	router := newTestRouter(&queueCaller{}, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("body = %q", rec.Body.String())
	}
}
