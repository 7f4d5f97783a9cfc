package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/risetaid/prima-sub007/internal/models"
)

// MockService implements Service in memory for tests. Inbound traffic is
// injected with EmitResponse.
type MockService struct {
	mu        sync.Mutex
	sent      []MockSentMessage
	sendErr   error
	receipts  chan models.Receipt
	responses chan models.Response
}

// MockSentMessage is one recorded outbound message.
type MockSentMessage struct {
	To   string
	Body string
}

// NewMockService creates a MockService.
func NewMockService() *MockService {
	return &MockService{
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient applies the shared canonicalization rules.
func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

// SendMessage records the message, or fails with the configured error.
func (m *MockService) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, MockSentMessage{To: to, Body: body})
	return nil
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error {
	close(m.receipts)
	close(m.responses)
	return nil
}

func (m *MockService) Receipts() <-chan models.Receipt { return m.receipts }

func (m *MockService) Responses() <-chan models.Response { return m.responses }

// EmitResponse injects an inbound message as if received from the channel.
func (m *MockService) EmitResponse(from, body string) {
	m.responses <- models.Response{From: from, Body: body, Time: time.Now().Unix()}
}

// SetSendError makes subsequent SendMessage calls fail.
func (m *MockService) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SentMessages returns a copy of the recorded outbound messages.
func (m *MockService) SentMessages() []MockSentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}
