package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ignite/campaign-mailer/internal/config"
	"github.com/ignite/campaign-mailer/internal/pkg/logger"
	"gopkg.in/gomail.v2"
)

// dialer is the subset of *gomail.Dialer used here.
type dialer interface {
	Dial() (gomail.SendCloser, error)
}

// SMTP sends through a relay using gomail. Each SendOne opens its own
// connection so concurrent sends within a batch do not share state.
type SMTP struct {
	dialer   dialer
	host     string
	port     int
	from     string
	fromName string
	timeout  time.Duration
}

// NewSMTP creates an SMTP transport from relay settings.
func NewSMTP(cfg config.SMTPConfig) (*SMTP, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("transport: smtp host and port are required")
	}
	from := cfg.FromAddress
	if from == "" {
		from = cfg.Username
	}
	if from == "" {
		return nil, ErrNoSender
	}

	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.SSL = cfg.IsSecure()
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}

	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	logger.Info("smtp transport configured", "host", cfg.Host, "port", cfg.Port, "implicit_tls", d.SSL, "auth", cfg.Username != "")

	return &SMTP{
		dialer:   d,
		host:     cfg.Host,
		port:     cfg.Port,
		from:     from,
		fromName: cfg.FromName,
		timeout:  timeout,
	}, nil
}

// Host returns the relay host.
func (s *SMTP) Host() string { return s.host }

// Port returns the relay port.
func (s *SMTP) Port() int { return s.port }

// Verify dials the relay, completes EHLO/STARTTLS/AUTH and disconnects.
func (s *SMTP) Verify(ctx context.Context) bool {
	err := s.withTimeout(ctx, func() error {
		conn, err := s.dialer.Dial()
		if err != nil {
			return err
		}
		return conn.Close()
	})
	if err != nil {
		logger.Warn("smtp relay verification failed", "error", err)
		return false
	}
	return true
}

// SendOne delivers a multipart/alternative message carrying the plain body
// and its HTML rendering.
func (s *SMTP) SendOne(ctx context.Context, to, subject, body string) error {
	msg := s.buildMessage(to, subject, body)

	err := s.withTimeout(ctx, func() error {
		conn, err := s.dialer.Dial()
		if err != nil {
			return err
		}
		if err := gomail.Send(conn, msg); err != nil {
			conn.Close()
			return err
		}
		return conn.Close()
	})
	if err != nil {
		return &Error{Provider: config.ProviderSMTP, To: to, Cause: err}
	}
	return nil
}

func (s *SMTP) buildMessage(to, subject, body string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.from, s.fromName)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	m.AddAlternative("text/html", HTMLBody(body))
	return m
}

// withTimeout runs fn, giving up when ctx ends or the transport timeout
// passes. gomail has no context support, so an abandoned fn finishes in the
// background and its result is discarded.
func (s *SMTP) withTimeout(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("smtp %s:%d: %w", s.host, s.port, ctx.Err())
	}
}
