package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/risetaid/prima-sub007/internal/classify"
	"github.com/risetaid/prima-sub007/internal/genai"
	"github.com/risetaid/prima-sub007/internal/keywords"
	"github.com/risetaid/prima-sub007/internal/models"
	"github.com/risetaid/prima-sub007/internal/ratelimit"
	"github.com/risetaid/prima-sub007/internal/status"
	"github.com/risetaid/prima-sub007/internal/store"
	"github.com/risetaid/prima-sub007/internal/testutil"
)

type sentMessage struct {
	To   string
	Body string
}

// mockNotifier records outbound sends and canonicalizes like the messaging
// service: digits only, minimum six.
type mockNotifier struct {
	mu      sync.Mutex
	sent    []sentMessage
	sendErr error
}

func (m *mockNotifier) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	var b strings.Builder
	for _, r := range recipient {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() < 6 {
		return "", models.ErrEmptyRecipient
	}
	return b.String(), nil
}

func (m *mockNotifier) SendMessage(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentMessage{To: to, Body: body})
	return nil
}

func (m *mockNotifier) sentMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// failingUpdater fails every Apply call while counting attempts.
type failingUpdater struct {
	calls int
}

func (u *failingUpdater) Apply(ctx context.Context, patientID string, outcome models.Outcome, relatedEntityID string) error {
	u.calls++
	return errors.New("status backend unavailable")
}

// stubClassifier returns a fixed classification.
type stubClassifier struct {
	result genai.Classification
	err    error
}

func (s *stubClassifier) Classify(ctx context.Context, text string, contextType models.ContextType, subjectHint string) (genai.Classification, error) {
	return s.result, s.err
}

type testEnv struct {
	engine   *Engine
	store    *store.InMemoryStore
	notifier *mockNotifier
	limiter  *ratelimit.Limiter
}

func newTestEnv(t *testing.T, classifier genai.Classifier, updater status.Updater) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	notifier := &mockNotifier{}
	limiter := ratelimit.New(10, time.Hour)
	pipeline := classify.NewPipeline(classifier, keywords.NewDefaultMatcher(), time.Second)
	if updater == nil {
		updater = status.NewStoreUpdater(st, nil)
	}
	eng := New(st, pipeline, limiter, notifier, updater, DefaultConfig())
	return &testEnv{engine: eng, store: st, notifier: notifier, limiter: limiter}
}

func openVerification(t *testing.T, env *testEnv, patientID string) *models.ConversationState {
	t.Helper()
	state, err := env.engine.OpenContext(context.Background(), models.OpenConversationRequest{
		PatientID: patientID,
		Context:   models.ContextVerification,
	})
	if err != nil {
		t.Fatalf("OpenContext failed: %v", err)
	}
	return state
}

func TestOpenContextSendsPromptAndArmsExpiry(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	testutil.SeedPatient(t, env.store, "p1", "+62 811-234-567")

	before := time.Now()
	state := openVerification(t, env, "p1")

	if !state.IsActive || state.CurrentContext != models.ContextVerification {
		t.Fatalf("state = %+v, want active verification context", state)
	}
	if state.PhoneNumber != "62811234567" {
		t.Errorf("phone = %q, want canonical digits", state.PhoneNumber)
	}
	wantExpiry := before.Add(DefaultExpiryHorizon)
	if state.ExpiresAt.Before(wantExpiry) || state.ExpiresAt.After(wantExpiry.Add(time.Minute)) {
		t.Errorf("ExpiresAt = %v, want about %v", state.ExpiresAt, wantExpiry)
	}

	sent := env.notifier.sentMessages()
	if len(sent) != 1 || !strings.Contains(sent[0].Body, "YA atau TIDAK") {
		t.Fatalf("sent = %+v, want one verification prompt", sent)
	}
}

func TestOpenContextSupersedesPriorContext(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	testutil.SeedPatient(t, env.store, "p1", "62811234567")
	testutil.SeedReminder(t, env.store, "r1", "p1", "minum obat pagi")

	openVerification(t, env, "p1")
	_, err := env.engine.OpenContext(context.Background(), models.OpenConversationRequest{
		PatientID:         "p1",
		Context:           models.ContextReminderConfirmation,
		RelatedEntityID:   "r1",
		RelatedEntityType: "reminder",
	})
	if err != nil {
		t.Fatalf("OpenContext failed: %v", err)
	}

	active, err := env.store.GetActiveConversationState("p1")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.CurrentContext != models.ContextReminderConfirmation {
		t.Fatalf("active = %+v, want only the confirmation context", active)
	}
	if active.StateData[StateDataKeySubject] != "minum obat pagi" {
		t.Errorf("subject = %q, want reminder title", active.StateData[StateDataKeySubject])
	}
}

func TestOpenContextSendFailureLeavesContextOpen(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.notifier.sendErr = errors.New("provider down")
	testutil.SeedPatient(t, env.store, "p1", "62811234567")

	state := openVerification(t, env, "p1")
	if state == nil {
		t.Fatal("expected state despite send failure")
	}

	active, err := env.store.GetActiveConversationState("p1")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || !active.ActiveAt(time.Now()) {
		t.Fatal("context should remain open when the prompt send fails")
	}
}

func TestOpenContextUnknownPatient(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	_, err := env.engine.OpenContext(context.Background(), models.OpenConversationRequest{
		PatientID: "ghost",
		Context:   models.ContextVerification,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestHandleAcceptResolvesViaKeyword(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	testutil.SeedPatient(t, env.store, "p1", "62811234567")
	openVerification(t, env, "p1")

	res, err := env.engine.HandleInboundMessage(context.Background(), models.InboundMessage{From: "62811234567", Body: "YA"})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if res.Status != models.HandleStatusResolved || res.Intent != models.IntentAccept {
		t.Fatalf("res = %+v, want resolved accept", res)
	}
	if res.Source != models.SourceKeyword {
		t.Errorf("source = %q, want keyword", res.Source)
	}

	p, _ := env.store.GetPatient("p1")
	if p.Status != models.PatientStatusVerified {
		t.Errorf("patient status = %q, want verified", p.Status)
	}
	active, _ := env.store.GetActiveConversationState("p1")
	if active != nil {
		t.Error("context should be cleared after resolution")
	}

	sent := env.notifier.sentMessages()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want prompt and acknowledgement", len(sent))
	}
	if sent[1].Body != DefaultTemplates().AckAccept {
		t.Errorf("ack = %q, want accept acknowledgement", sent[1].Body)
	}
}

func TestHandleDeclineViaAIClassifier(t *testing.T) {
	ai := &stubClassifier{result: genai.Classification{
		Intent:     models.IntentDecline,
		Confidence: 0.92,
		Level:      models.ConfidenceHigh,
	}}
	env := newTestEnv(t, ai, nil)
	testutil.SeedPatient(t, env.store, "p1", "62811234567")
	openVerification(t, env, "p1")

	res, err := env.engine.HandleInboundMessage(context.Background(), models.InboundMessage{From: "62811234567", Body: "maaf saya tidak berminat ikut program ini"})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if res.Status != models.HandleStatusResolved || res.Intent != models.IntentDecline {
		t.Fatalf("res = %+v, want resolved decline", res)
	}
	if res.Source != models.SourceAI {
		t.Errorf("source = %q, want ai", res.Source)
	}

	p, _ := env.store.GetPatient("p1")
	if p.Status != models.PatientStatusDeclined {
		t.Errorf("patient status = %q, want declined", p.Status)
	}
}

func TestHandleLowConfidenceAIFallsBackToKeyword(t *testing.T) {
	ai := &stubClassifier{result: genai.Classification{
		Intent:     models.IntentAccept,
		Confidence: 0.3,
		Level:      models.ConfidenceLow,
	}}
	env := newTestEnv(t, ai, nil)
	testutil.SeedPatient(t, env.store, "p1", "62811234567")
	openVerification(t, env, "p1")

	// "tidak mau" matches the decline keyword set exactly; the low-confidence
	// AI opinion must not override it.
	res, err := env.engine.HandleInboundMessage(context.Background(), models.InboundMessage{From: "62811234567", Body: "tidak mau"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Intent != models.IntentDecline || res.Source != models.SourceKeyword {
		t.Fatalf("res = %+v, want keyword decline", res)
	}
}

func TestHandleAmbiguousKeepsContextOpen(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	testutil.SeedPatient(t, env.store, "p1", "62811234567")
	openVerification(t, env, "p1")

	res, err := env.engine.HandleInboundMessage(context.Background(), models.InboundMessage{From: "62811234567", Body: "mungkin nanti ya deh"})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if res.Status != models.HandleStatusPending || res.Reason != models.ReasonInvalidResponse {
		t.Fatalf("res = %+v, want pending invalid_response", res)
	}

	active, _ := env.store.GetActiveConversationState("p1")
	if active == nil || !active.IsActive {
		t.Fatal("context should remain open after an ambiguous reply")
	}
	if active.AttemptCount != 1 || active.MessageCount != 1 {
		t.Errorf("counts = %d/%d, want 1/1", active.AttemptCount, active.MessageCount)
	}
	if active.LastClarificationSentAt == nil {
		t.Error("clarification timestamp should be recorded")
	}

	sent := env.notifier.sentMessages()
	if len(sent) != 2 || !strings.Contains(sent[1].Body, "belum memahami") {
		t.Fatalf("sent = %+v, want prompt then clarification", sent)
	}
}

func TestClarificationThrottled(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	testutil.SeedPatient(t, env.store, "p1", "62811234567")
	openVerification(t, env, "p1")

	msg := models.InboundMessage{From: "62811234567", Body: "hmm bagaimana ya kira kira"}
	if _, err := env.engine.HandleInboundMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.HandleInboundMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	active, _ := env.store.GetActiveConversationState("p1")
	if active.AttemptCount != 2 {
		t.Errorf("attemptCount = %d, want 2", active.AttemptCount)
	}
	// One prompt plus exactly one clarification inside the interval.
	if sent := env.notifier.sentMessages(); len(sent) != 2 {
		t.Errorf("sent %d messages, want clarification throttled to one", len(sent))
	}
}

func TestRateLimitedDroppedWithoutMutation(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	testutil.SeedPatient(t, env.store, "p1", "62811234567")
	openVerification(t, env, "p1")

	msg := models.InboundMessage{From: "62811234567", Body: "apa maksudnya ini"}
	for i := 0; i < ratelimit.DefaultLimit; i++ {
		if _, err := env.engine.HandleInboundMessage(context.Background(), msg); err != nil {
			t.Fatal(err)
		}
	}
	before, _ := env.store.GetActiveConversationState("p1")
	sendsBefore := len(env.notifier.sentMessages())

	res, err := env.engine.HandleInboundMessage(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.HandleStatusDropped || res.Reason != models.ReasonRateLimited {
		t.Fatalf("res = %+v, want dropped rate_limited", res)
	}

	after, _ := env.store.GetActiveConversationState("p1")
	if after.AttemptCount != before.AttemptCount || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("rate-limited message must not mutate conversation state")
	}
	if len(env.notifier.sentMessages()) != sendsBefore {
		t.Error("rate-limited message must not trigger a send")
	}
}

func TestUnknownSenderDropped(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	res, err := env.engine.HandleInboundMessage(context.Background(), models.InboundMessage{From: "62899999999", Body: "ya"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.HandleStatusDropped || res.Reason != models.ReasonNoContext {
		t.Fatalf("res = %+v, want dropped no_context", res)
	}
	if len(env.notifier.sentMessages()) != 0 {
		t.Error("no messages should be sent for unknown senders")
	}
}

func TestExpiredContextDropped(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	testutil.SeedPatient(t, env.store, "p1", "62811234567")
	openVerification(t, env, "p1")

	// A clear keyword reply after the horizon must not resolve anything.
	late := models.InboundMessage{
		From:       "62811234567",
		Body:       "ya",
		ReceivedAt: time.Now().Add(DefaultExpiryHorizon + time.Minute),
	}
	res, err := env.engine.HandleInboundMessage(context.Background(), late)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.HandleStatusDropped || res.Reason != models.ReasonNoContext {
		t.Fatalf("res = %+v, want dropped no_context for expired context", res)
	}

	p, _ := env.store.GetPatient("p1")
	if p.Status != models.PatientStatusPending {
		t.Errorf("patient status = %q, expiry must precede classification", p.Status)
	}
}

func TestStatusUpdateFailureLeavesContextOpen(t *testing.T) {
	updater := &failingUpdater{}
	env := newTestEnv(t, nil, updater)
	testutil.SeedPatient(t, env.store, "p1", "62811234567")
	openVerification(t, env, "p1")

	res, err := env.engine.HandleInboundMessage(context.Background(), models.InboundMessage{From: "62811234567", Body: "ya"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.HandleStatusPending || res.Reason != models.ReasonStatusUpdateFailed {
		t.Fatalf("res = %+v, want pending status_update_failed", res)
	}
	if updater.calls != 2 {
		t.Errorf("updater called %d times, want one retry", updater.calls)
	}

	active, _ := env.store.GetActiveConversationState("p1")
	if active == nil || !active.ActiveAt(time.Now()) {
		t.Fatal("context must stay open when the status update fails")
	}
}

func TestReminderConfirmationDone(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	testutil.SeedPatient(t, env.store, "p1", "62811234567")
	testutil.SeedReminder(t, env.store, "r1", "p1", "minum obat pagi")

	_, err := env.engine.OpenContext(context.Background(), models.OpenConversationRequest{
		PatientID:         "p1",
		Context:           models.ContextReminderConfirmation,
		RelatedEntityID:   "r1",
		RelatedEntityType: "reminder",
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := env.engine.HandleInboundMessage(context.Background(), models.InboundMessage{From: "62811234567", Body: "sudah"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.HandleStatusResolved || res.Intent != models.IntentDone {
		t.Fatalf("res = %+v, want resolved done", res)
	}

	r, _ := env.store.GetReminder("r1")
	if r.Status != models.ReminderStatusConfirmed {
		t.Errorf("reminder status = %q, want confirmed", r.Status)
	}
}

func TestDuplicateDeliveryAfterResolutionDropped(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	testutil.SeedPatient(t, env.store, "p1", "62811234567")
	openVerification(t, env, "p1")

	msg := models.InboundMessage{From: "62811234567", Body: "ya"}
	if _, err := env.engine.HandleInboundMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	sendsAfterFirst := len(env.notifier.sentMessages())

	res, err := env.engine.HandleInboundMessage(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.HandleStatusDropped || res.Reason != models.ReasonNoContext {
		t.Fatalf("res = %+v, want dropped no_context for duplicate delivery", res)
	}

	p, _ := env.store.GetPatient("p1")
	if p.Status != models.PatientStatusVerified {
		t.Errorf("patient status = %q, duplicate must not disturb the outcome", p.Status)
	}
	if len(env.notifier.sentMessages()) != sendsAfterFirst {
		t.Error("duplicate delivery must not send a second acknowledgement")
	}
}

func TestHandleWritesMessageLog(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	testutil.SeedPatient(t, env.store, "p1", "62811234567")
	openVerification(t, env, "p1")

	if _, err := env.engine.HandleInboundMessage(context.Background(), models.InboundMessage{From: "62811234567", Body: "ya"}); err != nil {
		t.Fatal(err)
	}

	logs, err := env.store.GetMessageLogs("p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Intent != models.IntentAccept || logs[0].Outcome != string(models.HandleStatusResolved) {
		t.Fatalf("logs = %+v, want one resolved accept entry", logs)
	}
}
