package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/mkravets/nutricoach/internal/models"
	"github.com/mkravets/nutricoach/internal/whatsapp"
)

// WhatsAppService implements Service over the whatsmeow-based client.
// Inbound photos and voice notes are registered with the client's media
// cache and forwarded as responses carrying a media ref.
type WhatsAppService struct {
	client    whatsapp.Sender
	waClient  *whatsapp.Client
	receipts  chan models.Receipt
	responses chan models.Response
	done      chan struct{}
}

// NewWhatsAppService wraps a WhatsApp sender. When given the full
// client it also consumes inbound events; with a bare Sender (mocks)
// event handling is skipped.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// ValidateAndCanonicalizeRecipient normalizes to +digits form.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start registers the event handler when a full client is available.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil {
		slog.Debug("WhatsAppService Start without full client, skipping event handling")
		return nil
	}
	go s.handleEvents(ctx)
	return nil
}

// Stop closes the event channels.
func (s *WhatsAppService) Stop() error {
	close(s.done)
	close(s.receipts)
	close(s.responses)
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends text and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService SendMessage failed", "to", canonical, "error", err)
		return err
	}
	s.emitReceipt(models.Receipt{To: canonical, Status: models.StatusTypeSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the delivery receipt channel.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the inbound message channel.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

// DownloadMedia resolves a media ref registered by the event handler.
func (s *WhatsAppService) DownloadMedia(ctx context.Context, ref string) ([]byte, string, error) {
	return s.waClient.DownloadMedia(ctx, ref)
}

func (s *WhatsAppService) handleEvents(ctx context.Context) {
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Receipt:
			s.handleMessageReceipt(v)
		}
	})
	slog.Debug("WhatsAppService event handler registered")
	<-ctx.Done()
}

// handleIncomingMessage converts a WhatsApp event into a Response.
// Text and extended text pass through as-is; image and voice messages
// are remembered for later download and tagged with a media kind.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	resp := models.Response{
		From: e164(evt.Info.Sender.User),
		Time: evt.Info.Timestamp.Unix(),
	}

	switch {
	case evt.Message.Conversation != nil:
		resp.Body = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		resp.Body = *evt.Message.ExtendedTextMessage.Text
	case evt.Message.ImageMessage != nil:
		img := evt.Message.ImageMessage
		s.waClient.RememberMedia(evt.Info.ID, img, img.GetMimetype())
		resp.Media = models.MediaKindImage
		resp.MediaRef = evt.Info.ID
		resp.Body = img.GetCaption()
	case evt.Message.AudioMessage != nil:
		audio := evt.Message.AudioMessage
		s.waClient.RememberMedia(evt.Info.ID, audio, audio.GetMimetype())
		resp.Media = models.MediaKindVoice
		resp.MediaRef = evt.Info.ID
	default:
		slog.Debug("WhatsAppService ignoring unsupported message type", "from", resp.From)
		return
	}

	select {
	case s.responses <- resp:
		slog.Debug("WhatsAppService forwarded inbound message", "from", resp.From, "media", resp.Media)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService responses channel blocked, dropping message", "from", resp.From)
	}
}

func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.StatusType
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.StatusTypeDelivered
	case events.ReceiptTypeRead:
		status = models.StatusTypeRead
	default:
		return
	}
	s.emitReceipt(models.Receipt{
		To:     e164(evt.MessageSource.Sender.User),
		Status: status,
		Time:   evt.Timestamp.Unix(),
	})
}

func (s *WhatsAppService) emitReceipt(receipt models.Receipt) {
	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService receipts channel blocked, dropping receipt", "to", receipt.To)
	}
}

func e164(jidUser string) string {
	if strings.HasPrefix(jidUser, "+") {
		return jidUser
	}
	return "+" + jidUser
}
