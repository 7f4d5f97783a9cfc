package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/risetaid/prima-sub007/internal/models"
)

// MessageHandler evaluates one inbound message. Implemented by the
// conversation engine; declared locally to avoid a dependency on it.
type MessageHandler interface {
	HandleInboundMessage(ctx context.Context, msg models.InboundMessage) (models.HandleResult, error)
}

// Listener routes inbound responses from a messaging service to the handler.
// Every message receives a determinate outcome; handler failures are logged
// and never stop the loop.
type Listener struct {
	service Service
	handler MessageHandler
}

// NewListener creates a Listener.
func NewListener(service Service, handler MessageHandler) *Listener {
	return &Listener{service: service, handler: handler}
}

// Start begins consuming responses in a background goroutine. It returns
// immediately; the loop runs until the context is cancelled or the service's
// response channel closes.
func (l *Listener) Start(ctx context.Context) {
	slog.Info("Listener starting inbound message processing")

	go func() {
		defer slog.Info("Listener stopped inbound message processing")

		for {
			select {
			case response, ok := <-l.service.Responses():
				if !ok {
					slog.Debug("Listener responses channel closed")
					return
				}
				l.dispatch(ctx, response)
			case <-ctx.Done():
				slog.Debug("Listener stopping, context cancelled")
				return
			}
		}
	}()
}

func (l *Listener) dispatch(ctx context.Context, response models.Response) {
	msg := models.InboundMessage{
		From:       response.From,
		Body:       response.Body,
		ReceivedAt: time.Unix(response.Time, 0),
	}

	result, err := l.handler.HandleInboundMessage(ctx, msg)
	if err != nil {
		slog.Error("Listener message handling failed", "error", err, "from", response.From)
		return
	}
	slog.Debug("Listener message handled", "from", response.From, "status", result.Status, "reason", result.Reason, "intent", result.Intent)
}
