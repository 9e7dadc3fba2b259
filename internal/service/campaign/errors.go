package campaign

import (
	"errors"

	"github.com/ignite/campaign-mailer/internal/domain"
)

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = errors.New("campaign not found")
	ErrInvalidTransition = domain.ErrInvalidTransition
	ErrAlreadySending    = errors.New("campaign is already sending")
	ErrNoValidRecipients = errors.New("no valid recipients found")
	ErrInvalidInput      = errors.New("invalid campaign input")
	ErrShuttingDown      = errors.New("campaign service is shutting down")
)
