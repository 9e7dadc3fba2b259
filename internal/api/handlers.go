package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-mailer/internal/domain"
	"github.com/ignite/campaign-mailer/internal/pkg/httputil"
	"github.com/ignite/campaign-mailer/internal/pkg/logger"
	"github.com/ignite/campaign-mailer/internal/service/campaign"
	"github.com/ignite/campaign-mailer/internal/storage"
)

// Version is reported by the banner and health endpoints.
const Version = "1.0.0"

// healthCheckTimeout bounds the database ping and relay handshake.
const healthCheckTimeout = 10 * time.Second

// CampaignService is the campaign API the handlers drive.
// *campaign.Service satisfies it.
type CampaignService interface {
	Create(ctx context.Context, input campaign.CreateInput) (*domain.Campaign, error)
	List(ctx context.Context) ([]domain.Campaign, error)
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	Send(ctx context.Context, id string) (*campaign.SendStarted, error)
	Stop(ctx context.Context, id string) (*domain.Campaign, error)
	Results(ctx context.Context, id string) (*campaign.Results, error)
	Ping(ctx context.Context) error
}

// RelayVerifier performs a handshake with the outbound relay.
type RelayVerifier interface {
	Verify(ctx context.Context) bool
}

// ReportStore loads archived run reports.
type ReportStore interface {
	GetResults(ctx context.Context, campaignID string) (*campaign.Report, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	campaigns CampaignService
	relay     RelayVerifier
	reports   ReportStore
	startedAt time.Time
}

// NewHandlers creates handlers. reports may be nil when archiving is off.
func NewHandlers(campaigns CampaignService, relay RelayVerifier, reports ReportStore) *Handlers {
	return &Handlers{
		campaigns: campaigns,
		relay:     relay,
		reports:   reports,
		startedAt: time.Now(),
	}
}

// Root serves the service banner.
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{
		"message": "Bulk Email API Server",
		"version": Version,
		"status":  "running",
	})
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startedAt).Seconds(),
		"version":   Version,
	})
}

// CheckServices probes the database and the relay. Any failed dependency
// answers 503 with status degraded.
func (h *Handlers) CheckServices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	services := map[string]bool{"api": true, "database": false, "smtp": false}

	if err := h.campaigns.Ping(ctx); err != nil {
		logger.Warn("[api] database check failed", "error", err)
	} else {
		services["database"] = true
	}
	if h.relay != nil {
		services["smtp"] = h.relay.Verify(ctx)
	}

	status, code := "healthy", http.StatusOK
	for _, ok := range services {
		if !ok {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}
	httputil.JSON(w, code, map[string]interface{}{
		"status":    status,
		"services":  services,
		"timestamp": time.Now().UTC(),
	})
}

type createResponse struct {
	CampaignID    string      `json:"campaignId"`
	TotalEmails   int         `json:"totalEmails"`
	ValidEmails   int         `json:"validEmails"`
	InvalidEmails int         `json:"invalidEmails"`
	Verification  interface{} `json:"verification"`
}

// CreateCampaign validates the recipients and stores a draft.
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var input campaign.CreateInput
	if !httputil.Decode(w, r, &input) {
		return
	}

	c, err := h.campaigns.Create(r.Context(), input)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.Created(w, createResponse{
		CampaignID:    c.ID,
		TotalEmails:   c.TotalEmails,
		ValidEmails:   c.ValidEmails,
		InvalidEmails: c.InvalidEmails,
		Verification:  c.Verification,
	})
}

// ListCampaigns returns every campaign, newest first.
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	list, err := h.campaigns.List(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if list == nil {
		list = []domain.Campaign{}
	}
	httputil.OK(w, list)
}

// GetCampaign returns one campaign.
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, c)
}

// SendCampaign starts the dispatch run and returns before it finishes.
func (h *Handlers) SendCampaign(w http.ResponseWriter, r *http.Request) {
	started, err := h.campaigns.Send(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.Accepted(w, map[string]interface{}{
		"message":         "Campaign sending started",
		"campaignId":      started.CampaignID,
		"totalRecipients": started.TotalRecipients,
	})
}

// StopCampaign raises the cancel flag.
func (h *Handlers) StopCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"message":    "Campaign stopped",
		"campaignId": c.ID,
		"status":     c.Status,
	})
}

// GetResults returns counts, verification verdicts and recipient outcomes.
func (h *Handlers) GetResults(w http.ResponseWriter, r *http.Request) {
	res, err := h.campaigns.Results(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, res)
}

// GetReport returns the archived report of the last finished run.
func (h *Handlers) GetReport(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		httputil.NotFound(w, "Result archiving is not enabled")
		return
	}
	report, err := h.reports.GetResults(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, "Report not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, report)
}

// NotFound answers unknown routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	httputil.NotFound(w, "Route not found")
}

// MethodNotAllowed answers known routes hit with the wrong verb.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	httputil.Error(w, http.StatusMethodNotAllowed, "Method not allowed")
}

// respondServiceError maps service sentinels to HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrInvalidInput):
		httputil.ErrorWithCode(w, http.StatusBadRequest, "validation_failed", "Validation failed", validationDetails(err))
	case errors.Is(err, campaign.ErrNotFound):
		httputil.NotFound(w, "Campaign not found")
	case errors.Is(err, campaign.ErrNoValidRecipients):
		httputil.BadRequest(w, "No valid recipients found")
	case errors.Is(err, campaign.ErrAlreadySending):
		httputil.Conflict(w, "Campaign is already sending")
	case errors.Is(err, campaign.ErrInvalidTransition):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, campaign.ErrShuttingDown):
		httputil.Error(w, http.StatusServiceUnavailable, "Server is shutting down")
	default:
		httputil.InternalError(w, err)
	}
}

// validationDetails lists one message per failed field.
func validationDetails(err error) []string {
	prefix := campaign.ErrInvalidInput.Error() + ": "
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		out = append(out, strings.TrimPrefix(line, prefix))
	}
	return out
}
