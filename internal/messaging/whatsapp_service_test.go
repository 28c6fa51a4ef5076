package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/whatsapp"
)

func TestWhatsAppService_ImplementsService(t *testing.T) {
	var _ Service = (*WhatsAppService)(nil)
}

func TestWhatsAppService_SendMessage_Receipt(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)

	if err := svc.SendMessage(context.Background(), "+1 555 123 4567", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if msgs := mockClient.Messages(); len(msgs) != 1 || msgs[0].To != "15551234567" {
		t.Errorf("messages = %+v", msgs)
	}
	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "15551234567" || receipt.Status != models.MessageStatusSent {
			t.Errorf("receipt = %+v", receipt)
		}
	default:
		t.Fatal("expected receipt, got none")
	}
}

func TestWhatsAppService_SendMessage_FailureReceipt(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	mockClient.SendErr = errors.New("not connected")
	svc := NewWhatsAppService(mockClient)

	if err := svc.SendMessage(context.Background(), "15551234567", "hello"); err == nil {
		t.Fatal("expected send error")
	}
	select {
	case receipt := <-svc.Receipts():
		if receipt.Status != models.MessageStatusFailed {
			t.Errorf("receipt status = %s, want failed", receipt.Status)
		}
	default:
		t.Fatal("expected failed receipt, got none")
	}
}

func TestWhatsAppService_SendMessage_InvalidRecipient(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.SendMessage(context.Background(), "12", "hello"); !errors.Is(err, ErrInvalidPhone) {
		t.Errorf("expected ErrInvalidPhone, got %v", err)
	}
}

func TestWhatsAppService_TypingIndicator(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendTypingIndicator(context.Background(), "15551234567", true); err != nil {
		t.Fatalf("SendTypingIndicator returned error: %v", err)
	}
	if len(mockClient.TypingEvents) != 1 {
		t.Errorf("typing events = %+v", mockClient.TypingEvents)
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("expected receipts channel closed")
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("expected responses channel closed")
	}
	if err := svc.SendMessage(context.Background(), "15551234567", "late"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func textMessage(from, text string, fromMe, group bool) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Sender:   types.NewJID(from, types.DefaultUserServer),
				Chat:     types.NewJID(from, types.DefaultUserServer),
				IsFromMe: fromMe,
				IsGroup:  group,
			},
			Timestamp: time.Unix(1700000000, 0),
		},
		Message: &waE2E.Message{Conversation: &text},
	}
}

func TestWhatsAppService_HandleIncomingMessage(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())

	svc.handleEvent(textMessage("15551234567", "Went hiking", false, false))
	svc.handleEvent(textMessage("15551234567", "echo", true, false))
	svc.handleEvent(textMessage("15551234567", "group chatter", false, true))

	select {
	case r := <-svc.Responses():
		if r.From != "15551234567" || r.Body != "Went hiking" || r.Time != 1700000000 {
			t.Errorf("response = %+v", r)
		}
	default:
		t.Fatal("expected a forwarded response")
	}
	select {
	case r := <-svc.Responses():
		t.Errorf("own and group messages must be ignored, got %+v", r)
	default:
	}
}

func TestWhatsAppService_HandleReceipt(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	svc.handleEvent(&events.Receipt{
		MessageSource: types.MessageSource{Chat: types.NewJID("15551234567", types.DefaultUserServer)},
		Type:          events.ReceiptTypeRead,
		Timestamp:     time.Unix(1700000000, 0),
	})
	select {
	case r := <-svc.Receipts():
		if r.Status != models.MessageStatusRead || r.To != "15551234567" {
			t.Errorf("receipt = %+v", r)
		}
	default:
		t.Fatal("expected a read receipt")
	}
}
