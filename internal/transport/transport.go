// Package transport delivers one message to one recipient through an
// outbound relay. It never retries or batches; the dispatch engine owns that
// policy.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/campaign-mailer/internal/config"
)

// Transport is a single-attempt, single-recipient sender.
type Transport interface {
	// Verify performs a lightweight handshake with the relay. It reports
	// false on any failure and never panics.
	Verify(ctx context.Context) bool
	// SendOne makes exactly one delivery attempt. Failures are *Error.
	SendOne(ctx context.Context, to, subject, body string) error
}

// Error wraps a failed delivery attempt.
type Error struct {
	Provider string
	To       string
	Cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s send to %s: %v", e.Provider, e.To, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrNoSender is returned when no from address is configured.
var ErrNoSender = errors.New("transport: no from address configured")

// IsTransportError reports whether err came from a delivery attempt.
func IsTransportError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

// HTMLBody renders a plain-text body as HTML by turning line breaks into <br>.
func HTMLBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	return strings.ReplaceAll(body, "\n", "<br>")
}

// New builds the transport selected by cfg.Provider.
func New(ctx context.Context, cfg config.TransportConfig) (Transport, error) {
	switch cfg.Provider {
	case "", config.ProviderSMTP:
		return NewSMTP(cfg.SMTP)
	case config.ProviderSES:
		return NewSES(ctx, cfg.SES)
	default:
		return nil, fmt.Errorf("transport: unsupported provider %q", cfg.Provider)
	}
}
