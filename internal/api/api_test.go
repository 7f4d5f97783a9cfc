package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/risetaid/prima-sub007/internal/classify"
	"github.com/risetaid/prima-sub007/internal/engine"
	"github.com/risetaid/prima-sub007/internal/keywords"
	"github.com/risetaid/prima-sub007/internal/messaging"
	"github.com/risetaid/prima-sub007/internal/models"
	"github.com/risetaid/prima-sub007/internal/ratelimit"
	"github.com/risetaid/prima-sub007/internal/status"
	"github.com/risetaid/prima-sub007/internal/store"
)

// newTestServer builds a Server over an in-memory store, a mock messaging
// service, and the real engine with keyword-only classification.
func newTestServer(t *testing.T) (*Server, *store.InMemoryStore, *messaging.MockService) {
	t.Helper()
	st := store.NewInMemoryStore()
	msgService := messaging.NewMockService()
	pipeline := classify.NewPipeline(nil, keywords.NewDefaultMatcher(), time.Second)
	eng := engine.New(st, pipeline, ratelimit.New(10, time.Hour), msgService, status.NewStoreUpdater(st, nil), engine.DefaultConfig())
	return NewServer(eng, st, msgService), st, msgService
}

func createJSONRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return resp
}

func registerPatient(t *testing.T, server *Server, phone string) models.Patient {
	t.Helper()
	req := createJSONRequest(t, "POST", "/patients", `{"phone_number":"`+phone+`","name":"Ibu Sari"}`)
	rr := httptest.NewRecorder()
	server.patientsHandler(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Result models.Patient `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.Result
}

func TestHealthHandler(t *testing.T) {
	server, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	server.healthHandler(rr, httptest.NewRequest("GET", "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if resp := decodeResponse(t, rr); resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
}

func TestRegisterPatient(t *testing.T) {
	server, st, _ := newTestServer(t)

	p := registerPatient(t, server, "+62 811-234-567")
	if p.PhoneNumber != "62811234567" {
		t.Errorf("phone = %q, want canonical form", p.PhoneNumber)
	}
	if p.Status != models.PatientStatusPending {
		t.Errorf("status = %q, want pending_verification", p.Status)
	}

	stored, _ := st.GetPatientByPhone("62811234567")
	if stored == nil {
		t.Fatal("patient not persisted")
	}

	// Duplicate registration conflicts even with different formatting.
	req := createJSONRequest(t, "POST", "/patients", `{"phone_number":"62811234567"}`)
	rr := httptest.NewRecorder()
	server.patientsHandler(rr, req)
	if rr.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", rr.Code)
	}
}

func TestRegisterPatientValidation(t *testing.T) {
	server, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing phone", `{"name":"X"}`, http.StatusBadRequest},
		{"short phone", `{"phone_number":"123"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			server.patientsHandler(rr, createJSONRequest(t, "POST", "/patients", tt.body))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestGetPatient(t *testing.T) {
	server, _, _ := newTestServer(t)
	p := registerPatient(t, server, "62811234567")

	rr := httptest.NewRecorder()
	server.patientHandler(rr, httptest.NewRequest("GET", "/patients/"+p.ID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	rr = httptest.NewRecorder()
	server.patientHandler(rr, httptest.NewRequest("GET", "/patients/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown patient", rr.Code)
	}
}

func TestOpenConversationAndInspectState(t *testing.T) {
	server, _, msgService := newTestServer(t)
	p := registerPatient(t, server, "62811234567")

	rr := httptest.NewRecorder()
	server.openConversationHandler(rr, createJSONRequest(t, "POST", "/conversations",
		`{"patient_id":"`+p.ID+`","context":"verification"}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("open status = %d, body = %s", rr.Code, rr.Body.String())
	}

	if sent := msgService.SentMessages(); len(sent) != 1 {
		t.Fatalf("sent %d messages, want the verification prompt", len(sent))
	}

	rr = httptest.NewRecorder()
	server.conversationStateHandler(rr, httptest.NewRequest("GET", "/conversations/"+p.ID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("state status = %d, want 200", rr.Code)
	}

	var resp struct {
		Result models.ConversationState `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Result.CurrentContext != models.ContextVerification || !resp.Result.IsActive {
		t.Errorf("state = %+v, want active verification context", resp.Result)
	}
}

func TestOpenConversationRejectsInvalidContext(t *testing.T) {
	server, _, _ := newTestServer(t)
	p := registerPatient(t, server, "62811234567")

	rr := httptest.NewRecorder()
	server.openConversationHandler(rr, createJSONRequest(t, "POST", "/conversations",
		`{"patient_id":"`+p.ID+`","context":"smalltalk"}`))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestConversationStateNotFoundWithoutContext(t *testing.T) {
	server, _, _ := newTestServer(t)
	p := registerPatient(t, server, "62811234567")

	rr := httptest.NewRecorder()
	server.conversationStateHandler(rr, httptest.NewRequest("GET", "/conversations/"+p.ID, nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without an open context", rr.Code)
	}
}

func TestInboundMessageResolvesConversation(t *testing.T) {
	server, st, _ := newTestServer(t)
	p := registerPatient(t, server, "62811234567")

	rr := httptest.NewRecorder()
	server.openConversationHandler(rr, createJSONRequest(t, "POST", "/conversations",
		`{"patient_id":"`+p.ID+`","context":"verification"}`))
	if rr.Code != http.StatusCreated {
		t.Fatal(rr.Body.String())
	}

	rr = httptest.NewRecorder()
	server.inboundMessageHandler(rr, createJSONRequest(t, "POST", "/messages/inbound",
		`{"from":"62811234567","body":"ya"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Result models.HandleResult `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Result.Status != models.HandleStatusResolved || resp.Result.Intent != models.IntentAccept {
		t.Errorf("result = %+v, want resolved accept", resp.Result)
	}

	stored, _ := st.GetPatient(p.ID)
	if stored.Status != models.PatientStatusVerified {
		t.Errorf("patient status = %q, want verified", stored.Status)
	}
}

func TestInboundMessageUnknownSenderDropped(t *testing.T) {
	server, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	server.inboundMessageHandler(rr, createJSONRequest(t, "POST", "/messages/inbound",
		`{"from":"62899999999","body":"ya"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with a dropped outcome", rr.Code)
	}

	var resp struct {
		Result models.HandleResult `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Result.Status != models.HandleStatusDropped || resp.Result.Reason != models.ReasonNoContext {
		t.Errorf("result = %+v, want dropped no_context", resp.Result)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	server.patientsHandler(rr, httptest.NewRequest("GET", "/patients", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rr.Code)
	}

	rr = httptest.NewRecorder()
	server.inboundMessageHandler(rr, httptest.NewRequest("GET", "/messages/inbound", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rr.Code)
	}
}

// patientCacheDouble is an in-memory PatientCache for handler tests.
type patientCacheDouble struct {
	entries map[string]models.Patient
}

func newPatientCacheDouble() *patientCacheDouble {
	return &patientCacheDouble{entries: make(map[string]models.Patient)}
}

func (c *patientCacheDouble) GetPatient(ctx context.Context, patientID string) (*models.Patient, error) {
	p, ok := c.entries[patientID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (c *patientCacheDouble) SetPatient(ctx context.Context, p models.Patient) error {
	c.entries[p.ID] = p
	return nil
}

func (c *patientCacheDouble) InvalidatePatient(ctx context.Context, patientID string) error {
	delete(c.entries, patientID)
	return nil
}

func TestGetPatientReadThroughCache(t *testing.T) {
	st := store.NewInMemoryStore()
	msgService := messaging.NewMockService()
	cacheDouble := newPatientCacheDouble()
	pipeline := classify.NewPipeline(nil, keywords.NewDefaultMatcher(), time.Second)
	eng := engine.New(st, pipeline, ratelimit.New(10, time.Hour), msgService,
		status.NewStoreUpdater(st, cacheDouble), engine.DefaultConfig())
	server := NewServer(eng, st, msgService, WithPatientCache(cacheDouble))

	p := registerPatient(t, server, "62811234567")

	// First read misses and populates the cache.
	rr := httptest.NewRecorder()
	server.patientHandler(rr, httptest.NewRequest("GET", "/patients/"+p.ID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if _, ok := cacheDouble.entries[p.ID]; !ok {
		t.Fatal("first read did not populate the cache")
	}

	// Second read is served from the cache, not the store.
	cacheDouble.entries[p.ID] = models.Patient{ID: p.ID, Name: "Cached Copy", Status: models.PatientStatusPending}
	rr = httptest.NewRecorder()
	server.patientHandler(rr, httptest.NewRequest("GET", "/patients/"+p.ID, nil))
	var resp struct {
		Result models.Patient `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Result.Name != "Cached Copy" {
		t.Errorf("name = %q, want the cached record", resp.Result.Name)
	}

	// A terminal outcome invalidates the entry so the next read is fresh.
	rr = httptest.NewRecorder()
	server.openConversationHandler(rr, createJSONRequest(t, "POST", "/conversations",
		`{"patient_id":"`+p.ID+`","context":"verification"}`))
	if rr.Code != http.StatusCreated {
		t.Fatal(rr.Body.String())
	}
	rr = httptest.NewRecorder()
	server.inboundMessageHandler(rr, createJSONRequest(t, "POST", "/messages/inbound",
		`{"from":"62811234567","body":"ya"}`))
	if rr.Code != http.StatusOK {
		t.Fatal(rr.Body.String())
	}
	if _, ok := cacheDouble.entries[p.ID]; ok {
		t.Fatal("terminal outcome did not invalidate the cached patient")
	}

	rr = httptest.NewRecorder()
	server.patientHandler(rr, httptest.NewRequest("GET", "/patients/"+p.ID, nil))
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Result.Status != models.PatientStatusVerified {
		t.Errorf("status = %q, want verified after invalidation", resp.Result.Status)
	}
}

func TestHandlerMountsTwilioWebhook(t *testing.T) {
	st := store.NewInMemoryStore()
	twilioService := messaging.NewTwilioService(nil)
	pipeline := classify.NewPipeline(nil, keywords.NewDefaultMatcher(), time.Second)
	eng := engine.New(st, pipeline, ratelimit.New(10, time.Hour), twilioService, status.NewStoreUpdater(st, nil), engine.DefaultConfig())
	server := NewServer(eng, st, twilioService)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.PostForm(ts.URL+"/webhook/twilio", map[string][]string{
		"From": {"whatsapp:+62811234567"},
		"Body": {"ya"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("webhook status = %d, want 200", resp.StatusCode)
	}
}
