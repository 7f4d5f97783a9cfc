package whatsapp

import (
	"context"
	"testing"
)

func TestSendMessageValidation(t *testing.T) {
	c := &Client{}

	if err := c.SendMessage(context.Background(), "62811234567", "Halo"); err == nil {
		t.Error("expected error for uninitialized client")
	}
}

func TestMockClientSend(t *testing.T) {
	m := NewMockClient()
	if err := m.SendMessage(context.Background(), "62811234567", "Halo"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
