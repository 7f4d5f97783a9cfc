package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/risetaid/prima-sub007/internal/models"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

// patientsHandler handles POST /patients.
func (s *Server) patientsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	slog.Debug("Server.patientsHandler: processing registration", "path", r.URL.Path)

	var req models.RegisterPatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.patientsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	canonicalPhone, err := s.msgService.ValidateAndCanonicalizeRecipient(req.PhoneNumber)
	if err != nil {
		slog.Warn("Server.patientsHandler: phone validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid phone number: "+err.Error()))
		return
	}

	existing, err := s.st.GetPatientByPhone(canonicalPhone)
	if err != nil {
		slog.Error("Server.patientsHandler: existing-patient lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to check existing patient"))
		return
	}
	if existing != nil {
		writeJSONResponse(w, http.StatusConflict, models.Error("Patient with this phone number already registered"))
		return
	}

	now := time.Now()
	patient := models.Patient{
		ID:          uuid.NewString(),
		PhoneNumber: canonicalPhone,
		Name:        req.Name,
		Status:      models.PatientStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.st.CreatePatient(patient); err != nil {
		slog.Error("Server.patientsHandler: save failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to register patient"))
		return
	}

	slog.Info("Server.patientsHandler: patient registered", "patientID", patient.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(patient))
}

// patientHandler handles GET /patients/{id} and GET /patients/{id}/messages.
func (s *Server) patientHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/patients/")
	patientID, sub, _ := strings.Cut(rest, "/")
	if patientID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Patient ID is required"))
		return
	}

	switch sub {
	case "":
		// Cache errors fall through to the store; a cached record is served
		// as-is and invalidated by the status updater on terminal outcomes.
		if cached, err := s.patientCache.GetPatient(r.Context(), patientID); err == nil && cached != nil {
			slog.Debug("Server.patientHandler: cache hit", "patientID", patientID)
			writeJSONResponse(w, http.StatusOK, models.Success(cached))
			return
		}

		patient, err := s.st.GetPatient(patientID)
		if err != nil {
			slog.Error("Server.patientHandler: lookup failed", "error", err, "patientID", patientID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load patient"))
			return
		}
		if patient == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Patient not found"))
			return
		}

		if err := s.patientCache.SetPatient(r.Context(), *patient); err != nil {
			slog.Warn("Server.patientHandler: cache populate failed", "error", err, "patientID", patientID)
		}
		writeJSONResponse(w, http.StatusOK, models.Success(patient))
	case "messages":
		logs, err := s.st.GetMessageLogs(patientID)
		if err != nil {
			slog.Error("Server.patientHandler: message log lookup failed", "error", err, "patientID", patientID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load message logs"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(logs))
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown resource"))
	}
}

// openConversationHandler handles POST /conversations, opening a context and
// sending the initiating prompt.
func (s *Server) openConversationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	slog.Debug("Server.openConversationHandler: processing request")

	var req models.OpenConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	state, err := s.engine.OpenContext(r.Context(), req)
	if err != nil {
		slog.Error("Server.openConversationHandler: open failed", "error", err, "patientID", req.PatientID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to open conversation context"))
		return
	}

	writeJSONResponse(w, http.StatusCreated, models.Success(state))
}

// conversationStateHandler handles GET /conversations/{patientID}.
func (s *Server) conversationStateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	patientID := strings.TrimPrefix(r.URL.Path, "/conversations/")
	if patientID == "" || strings.Contains(patientID, "/") {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Patient ID is required"))
		return
	}

	state, err := s.st.GetActiveConversationState(patientID)
	if err != nil {
		slog.Error("Server.conversationStateHandler: lookup failed", "error", err, "patientID", patientID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation state"))
		return
	}
	if !state.ActiveAt(time.Now()) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No active conversation context"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

// inboundMessageHandler handles POST /messages/inbound. It evaluates the
// message synchronously and returns the determinate outcome, serving
// integrations that do not go through the Twilio webhook.
func (s *Server) inboundMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	slog.Debug("Server.inboundMessageHandler: processing message")

	var msg models.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if msg.From == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Sender is required"))
		return
	}
	if msg.Body == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Message body is required"))
		return
	}

	result, err := s.engine.HandleInboundMessage(r.Context(), msg)
	if err != nil {
		slog.Error("Server.inboundMessageHandler: handling failed", "error", err, "from", msg.From)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(result))
}
