package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/risetaid/prima-sub007/internal/models"
	"github.com/risetaid/prima-sub007/internal/whatsapp"
)

func TestWhatsAppSendMessageEmitsReceipt(t *testing.T) {
	s := NewWhatsAppService(whatsapp.NewMockClient())

	if err := s.SendMessage(context.Background(), "+62 811-234-567", "Halo"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case r := <-s.Receipts():
		if r.Status != models.MessageStatusSent || r.To != "62811234567" {
			t.Errorf("receipt = %+v, want sent receipt for canonical recipient", r)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a sent receipt")
	}
}

func TestWhatsAppSendMessageRejectsInvalidRecipient(t *testing.T) {
	s := NewWhatsAppService(whatsapp.NewMockClient())

	if err := s.SendMessage(context.Background(), "abc", "Halo"); err == nil {
		t.Fatal("expected validation error")
	}

	select {
	case r := <-s.Receipts():
		t.Errorf("unexpected receipt %+v for failed send", r)
	default:
	}
}

func TestWhatsAppSendMessageAfterStop(t *testing.T) {
	s := NewWhatsAppService(whatsapp.NewMockClient())

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	// The receipt channel is closed; the send must not panic trying to emit.
	if err := s.SendMessage(context.Background(), "62811234567", "Halo"); err != nil {
		t.Errorf("send after stop failed: %v", err)
	}
}
