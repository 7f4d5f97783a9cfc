package models

import "time"

// PatientStatus represents the verification status of a patient.
type PatientStatus string

const (
	// PatientStatusPending indicates the patient has not responded to verification.
	PatientStatusPending PatientStatus = "pending_verification"
	// PatientStatusVerified indicates the patient accepted monitoring.
	PatientStatusVerified PatientStatus = "verified"
	// PatientStatusDeclined indicates the patient declined monitoring.
	PatientStatusDeclined PatientStatus = "declined"
)

// Patient represents an enrolled patient reachable over the chat channel.
type Patient struct {
	ID          string        `json:"id"`
	PhoneNumber string        `json:"phone_number"`
	Name        string        `json:"name,omitempty"`
	Status      PatientStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// ReminderStatus represents the completion status of a reminder instance.
type ReminderStatus string

const (
	// ReminderStatusScheduled indicates the reminder is awaiting confirmation.
	ReminderStatusScheduled ReminderStatus = "scheduled"
	// ReminderStatusConfirmed indicates the patient confirmed completion.
	ReminderStatusConfirmed ReminderStatus = "confirmed"
	// ReminderStatusMissed indicates the patient reported not completing it.
	ReminderStatusMissed ReminderStatus = "missed"
)

// Reminder is a single reminder instance a confirmation conversation concerns.
type Reminder struct {
	ID        string         `json:"id"`
	PatientID string         `json:"patient_id"`
	Title     string         `json:"title"`
	Status    ReminderStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MessageLog records an evaluated inbound message for auditability.
type MessageLog struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	From      string    `json:"from"`
	Body      string    `json:"body"`
	Outcome   string    `json:"outcome"`
	Intent    Intent    `json:"intent,omitempty"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
