package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/solyn-app/solyn/internal/messaging"
	"github.com/solyn-app/solyn/internal/models"
	"github.com/solyn-app/solyn/internal/store"
	"github.com/solyn-app/solyn/internal/twiliowhatsapp"
)

type fakeEngine struct {
	lastTurn    models.TurnRequest
	turnResult  *models.TurnResult
	turnErr     error
	checkupErr  error
	lastCheckup []string
	closeErr    error
	lastClose   models.CloseOutcome
}

func (f *fakeEngine) ProcessTurn(ctx context.Context, req models.TurnRequest) (*models.TurnResult, error) {
	f.lastTurn = req
	return f.turnResult, f.turnErr
}

func (f *fakeEngine) StartCheckup(userID, scope string, items []string) error {
	f.lastCheckup = items
	return f.checkupErr
}

func (f *fakeEngine) CloseSession(userID, scope string, outcome models.CloseOutcome) error {
	f.lastClose = outcome
	return f.closeErr
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var resp apiResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	s := NewServer(&fakeEngine{}, store.NewInMemoryStore(), nil)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestTurnEndpoint(t *testing.T) {
	engine := &fakeEngine{turnResult: &models.TurnResult{
		ResponseText: "salut", NextMode: models.ModeCompanion, TurnID: "t1",
	}}
	s := NewServer(engine, store.NewInMemoryStore(), nil)

	body := `{"user_id":"u1","message":"bonjour"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/turn", strings.NewReader(body))
	rec := serve(s, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if resp.Status != "ok" {
		t.Errorf("expected ok status, got %+v", resp)
	}
	if engine.lastTurn.Scope != messaging.DefaultScope || engine.lastTurn.Channel != models.ChannelWeb {
		t.Errorf("expected scope and channel defaults applied, got %+v", engine.lastTurn)
	}
}

func TestTurnEndpointValidation(t *testing.T) {
	s := NewServer(&fakeEngine{}, store.NewInMemoryStore(), nil)

	rec := serve(s, httptest.NewRequest(http.MethodPost, "/v1/turn", strings.NewReader(`{"user_id":"u1"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing message expects 400, got %d", rec.Code)
	}
	rec = serve(s, httptest.NewRequest(http.MethodPost, "/v1/turn", strings.NewReader(`not json`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body expects 400, got %d", rec.Code)
	}
	rec = serve(s, httptest.NewRequest(http.MethodGet, "/v1/turn", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET expects 405, got %d", rec.Code)
	}
}

func TestTurnEndpointEngineFailure(t *testing.T) {
	engine := &fakeEngine{turnErr: errors.New("store down")}
	s := NewServer(engine, store.NewInMemoryStore(), nil)

	body := `{"user_id":"u1","message":"bonjour"}`
	rec := serve(s, httptest.NewRequest(http.MethodPost, "/v1/turn", strings.NewReader(body)))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if strings.Contains(resp.Error, "store down") {
		t.Errorf("internal error details must not leak, got %q", resp.Error)
	}
}

func TestCheckupEndpoint(t *testing.T) {
	engine := &fakeEngine{}
	s := NewServer(engine, store.NewInMemoryStore(), nil)

	body := `{"user_id":"u1","items":["sommeil","sport"]}`
	rec := serve(s, httptest.NewRequest(http.MethodPost, "/v1/checkup", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(engine.lastCheckup) != 2 {
		t.Errorf("expected items forwarded, got %+v", engine.lastCheckup)
	}

	rec = serve(s, httptest.NewRequest(http.MethodPost, "/v1/checkup", strings.NewReader(`{"user_id":"u1"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing items expects 400, got %d", rec.Code)
	}

	engine.checkupErr = errors.New("a checkup is already in progress")
	rec = serve(s, httptest.NewRequest(http.MethodPost, "/v1/checkup", strings.NewReader(body)))
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate checkup expects 409, got %d", rec.Code)
	}
}

func TestSessionCloseEndpoint(t *testing.T) {
	engine := &fakeEngine{}
	s := NewServer(engine, store.NewInMemoryStore(), nil)

	body := `{"user_id":"u1","outcome":"aborted"}`
	rec := serve(s, httptest.NewRequest(http.MethodPost, "/v1/session/close", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if engine.lastClose != models.CloseOutcomeAborted {
		t.Errorf("expected aborted outcome forwarded, got %q", engine.lastClose)
	}

	// Outcome defaults to a normal close.
	rec = serve(s, httptest.NewRequest(http.MethodPost, "/v1/session/close", strings.NewReader(`{"user_id":"u1"}`)))
	if rec.Code != http.StatusOK || engine.lastClose != models.CloseOutcomeNormal {
		t.Errorf("expected default normal close, got %d, %q", rec.Code, engine.lastClose)
	}

	rec = serve(s, httptest.NewRequest(http.MethodPost, "/v1/session/close", strings.NewReader(`{"user_id":"u1","outcome":"paused"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown outcome expects 400, got %d", rec.Code)
	}
	rec = serve(s, httptest.NewRequest(http.MethodPost, "/v1/session/close", strings.NewReader(`{"outcome":"normal"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing user expects 400, got %d", rec.Code)
	}

	engine.closeErr = errors.New("no active session")
	rec = serve(s, httptest.NewRequest(http.MethodPost, "/v1/session/close", strings.NewReader(`{"user_id":"u1"}`)))
	if rec.Code != http.StatusConflict {
		t.Errorf("engine refusal expects 409, got %d", rec.Code)
	}
}

func TestStateEndpoint(t *testing.T) {
	st := store.NewInMemoryStore()
	state := models.NewChatState("u1", "chat", time.Now())
	state.CurrentMode = models.ModeCompanion
	if err := st.SaveChatState(*state); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	s := NewServer(&fakeEngine{}, st, nil)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/state/u1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"current_mode":"companion"`) {
		t.Errorf("expected state in response, got %s", rec.Body.String())
	}

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/v1/state/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown user expects 404, got %d", rec.Code)
	}
}

func TestTurnsEndpoint(t *testing.T) {
	st := store.NewInMemoryStore()
	for i := 0; i < 3; i++ {
		st.AddTurnRecord(models.TurnRecord{
			ID: string(rune('a' + i)), UserID: "u1", Scope: "chat",
			Mode: models.ModeCompanion, CreatedAt: time.Now(),
		})
	}
	s := NewServer(&fakeEngine{}, st, nil)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/turns/u1?limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	records, ok := resp.Result.([]interface{})
	if !ok || len(records) != 2 {
		t.Errorf("expected 2 records, got %+v", resp.Result)
	}

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/v1/turns/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing user id expects 400, got %d", rec.Code)
	}
}

func TestTwilioWebhook(t *testing.T) {
	svc := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	s := NewServer(&fakeEngine{}, store.NewInMemoryStore(), svc)

	form := url.Values{"From": {"whatsapp:+33612345678"}, "Body": {"bonjour"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := serve(s, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "<Response></Response>") {
		t.Errorf("expected empty TwiML, got %s", rec.Body.String())
	}

	select {
	case inbound := <-svc.Inbounds():
		if inbound.From != "33612345678" || inbound.Body != "bonjour" {
			t.Errorf("unexpected inbound %+v", inbound)
		}
	default:
		t.Error("expected the message queued on the service")
	}
}

func TestTwilioWebhookDisabled(t *testing.T) {
	s := NewServer(&fakeEngine{}, store.NewInMemoryStore(), nil)

	form := url.Values{"From": {"whatsapp:+33612345678"}, "Body": {"bonjour"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := serve(s, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when the channel is disabled, got %d", rec.Code)
	}
}
