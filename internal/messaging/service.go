// Package messaging defines the pluggable transport abstraction and
// its WhatsApp and Twilio SMS implementations.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/mkravets/nutricoach/internal/models"
)

// Channel buffer and backpressure settings shared by implementations.
const (
	// DefaultChannelBufferSize is the buffer size for receipt and
	// response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel emits; events
	// past it are dropped rather than stalling the transport.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging: service stopped")

// phoneNumberRegex strips everything but digits during recipient
// canonicalization.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service is a pluggable message transport. It delivers outbound text
// and exposes inbound responses and delivery receipts as channels.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient identifier
	// and returns its canonical form.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins background processing (event polling, webhooks).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Receipts returns the delivery receipt event channel.
	Receipts() <-chan models.Receipt

	// Responses returns the inbound participant message channel.
	Responses() <-chan models.Response
}

// MediaDownloader is implemented by transports that can resolve an
// inbound media reference to bytes. Text-only transports omit it.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, ref string) (data []byte, mimeType string, err error)
}

// canonicalizePhone validates and canonicalizes an E.164-ish phone
// number, shared by both transports.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits in %q", recipient)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short", digits)
	}
	canonical := "+" + digits
	if canonical != recipient {
		slog.Debug("Messaging canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
