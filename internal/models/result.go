package models

// HandleStatus is the top-level outcome of evaluating an inbound message.
type HandleStatus string

const (
	// HandleStatusResolved means a terminal intent closed the conversation.
	HandleStatusResolved HandleStatus = "resolved"
	// HandleStatusPending means the conversation remains open awaiting a valid reply.
	HandleStatusPending HandleStatus = "pending"
	// HandleStatusDropped means the message was intentionally not engaged with.
	HandleStatusDropped HandleStatus = "dropped"
)

// Handle result reasons, reported alongside the status for observability.
const (
	ReasonNoContext          = "no_context"
	ReasonRateLimited        = "rate_limited"
	ReasonInvalidResponse    = "invalid_response"
	ReasonStatusUpdateFailed = "status_update_failed"
)

// ClassificationSource tags which stage of the pipeline produced an intent.
type ClassificationSource string

const (
	// SourceAI means the probabilistic classifier produced the intent.
	SourceAI ClassificationSource = "ai"
	// SourceKeyword means deterministic keyword matching produced the intent.
	SourceKeyword ClassificationSource = "keyword"
)

// HandleResult is the determinate outcome returned for every inbound message.
type HandleResult struct {
	Status     HandleStatus         `json:"status"`
	Reason     string               `json:"reason,omitempty"`
	Intent     Intent               `json:"intent,omitempty"`
	Source     ClassificationSource `json:"source,omitempty"`
	Confidence float64              `json:"confidence,omitempty"`
}

// Resolved reports whether the result closed the conversation.
func (r HandleResult) Resolved() bool {
	return r.Status == HandleStatusResolved
}
