package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-dispatcher/internal/dispatch"
	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/pkg/httputil"
	"github.com/ignite/campaign-dispatcher/internal/ratelimit"
	"github.com/ignite/campaign-dispatcher/internal/repository/postgres"
	"github.com/ignite/campaign-dispatcher/internal/schedule"
)

// CampaignDirectory lists and deletes stored campaigns. The lifecycle
// commands go through the dispatch manager instead.
type CampaignDirectory interface {
	List(ctx context.Context, f postgres.ListFilter) ([]domain.Campaign, int, error)
	Delete(ctx context.Context, id string) error
}

// Handlers carries the campaign control endpoints.
type Handlers struct {
	manager   *dispatch.Manager
	directory CampaignDirectory
}

// NewHandlers creates the API handlers.
func NewHandlers(manager *dispatch.Manager, directory CampaignDirectory) *Handlers {
	return &Handlers{manager: manager, directory: directory}
}

// HealthCheck reports service liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{
		"status":           "healthy",
		"active_campaigns": h.manager.ActiveCount(),
	})
}

// =============================================================================
// CAMPAIGN CRUD
// =============================================================================

// CreateCampaign validates and persists a new draft campaign.
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var c domain.Campaign
	if !httputil.Decode(w, r, &c) {
		return
	}
	created, err := h.manager.CreateCampaign(r.Context(), c)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.Created(w, created)
}

// ListCampaigns returns stored campaigns, optionally filtered by status.
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := postgres.ListFilter{
		Status: domain.CampaignStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	campaigns, total, err := h.directory.List(r.Context(), filter)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"campaigns": campaigns,
		"total":     total,
	})
}

// GetCampaign returns one campaign, live when a dispatcher owns it.
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.manager.Get(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.OK(w, c)
}

// GetProgress returns the campaign's progress counters.
func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.manager.Progress(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.OK(w, p)
}

// DeleteCampaign removes a stored campaign.
func (h *Handlers) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.directory.Delete(r.Context(), chi.URLParam(r, "campaignID")); err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.NoContent(w)
}

// =============================================================================
// SETTINGS COMMANDS
// =============================================================================

// ApplyRateLimit replaces the campaign's rate-limit settings and marks
// them custom, so the calculator stops reseeding them.
func (h *Handlers) ApplyRateLimit(w http.ResponseWriter, r *http.Request) {
	var s domain.RateLimitSettings
	if !httputil.Decode(w, r, &s) {
		return
	}
	c, err := h.manager.ApplyRateLimitSettings(r.Context(), chi.URLParam(r, "campaignID"), s)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.OK(w, c)
}

// ApplyAntiBan replaces the campaign's anti-ban settings.
func (h *Handlers) ApplyAntiBan(w http.ResponseWriter, r *http.Request) {
	var s domain.AntiBanSettings
	if !httputil.Decode(w, r, &s) {
		return
	}
	c, err := h.manager.ApplyAntiBanSettings(r.Context(), chi.URLParam(r, "campaignID"), s)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.OK(w, c)
}

// ApplyRecurring replaces the recurring schedule and flips the campaign
// to recurring_daily mode.
func (h *Handlers) ApplyRecurring(w http.ResponseWriter, r *http.Request) {
	var s schedule.Settings
	if !httputil.Decode(w, r, &s) {
		return
	}
	c, err := h.manager.ApplyRecurringSettings(r.Context(), chi.URLParam(r, "campaignID"), s)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.OK(w, c)
}

type sendTimeRequest struct {
	Time    string `json:"time"`
	OldTime string `json:"old_time"`
	NewTime string `json:"new_time"`
}

// AddSendTime appends one send time to the recurring schedule.
func (h *Handlers) AddSendTime(w http.ResponseWriter, r *http.Request) {
	var req sendTimeRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	c, err := h.manager.AddSendTime(r.Context(), chi.URLParam(r, "campaignID"), req.Time)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.OK(w, c)
}

// UpdateSendTime replaces one send time with another.
func (h *Handlers) UpdateSendTime(w http.ResponseWriter, r *http.Request) {
	var req sendTimeRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	c, err := h.manager.UpdateSendTime(r.Context(), chi.URLParam(r, "campaignID"), req.OldTime, req.NewTime)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.OK(w, c)
}

// RemoveSendTime drops one send time; the last one cannot be removed.
func (h *Handlers) RemoveSendTime(w http.ResponseWriter, r *http.Request) {
	var req sendTimeRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	c, err := h.manager.RemoveSendTime(r.Context(), chi.URLParam(r, "campaignID"), req.Time)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.OK(w, c)
}

// =============================================================================
// LIFECYCLE COMMANDS
// =============================================================================

// StartCampaign launches a dispatcher for the campaign.
func (h *Handlers) StartCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.manager.Start(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.OK(w, c)
}

// PauseCampaign suspends the active dispatcher.
func (h *Handlers) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(id string) error { return h.manager.Pause(id) })
}

// ResumeCampaign continues a paused campaign.
func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(id string) error { return h.manager.Resume(r.Context(), id) })
}

// CancelCampaign terminates the campaign, retaining its progress.
func (h *Handlers) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(id string) error { return h.manager.Cancel(r.Context(), id) })
}

func (h *Handlers) lifecycle(w http.ResponseWriter, r *http.Request, cmd func(id string) error) {
	id := chi.URLParam(r, "campaignID")
	if err := cmd(id); err != nil {
		writeCommandError(w, err)
		return
	}
	c, err := h.manager.Get(r.Context(), id)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.OK(w, c)
}

// =============================================================================
// RATE LIMIT PREVIEW
// =============================================================================

type previewRequest struct {
	ChannelType    domain.ChannelType `json:"channel_type"`
	RecipientCount int                `json:"recipient_count"`
	AccountCount   int                `json:"account_count"`
	Priority       string             `json:"priority"`
}

// PreviewRateLimit runs the calculator without touching any campaign, so
// clients can show the recommendation before the user commits settings.
func (h *Handlers) PreviewRateLimit(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if !req.ChannelType.Valid() {
		httputil.BadRequest(w, "channel_type must be official or unofficial")
		return
	}
	priority := ratelimit.Priority(req.Priority)
	if priority == "" {
		priority = ratelimit.PriorityMedium
	}

	calc := ratelimit.Calculate(req.ChannelType, req.RecipientCount, req.AccountCount, priority)
	httputil.OK(w, map[string]interface{}{
		"calculation":        calc,
		"suggested_settings": ratelimit.SettingsFrom(calc),
	})
}

// writeCommandError maps domain and lifecycle errors onto HTTP statuses.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, postgres.ErrNotFound):
		httputil.NotFound(w, "campaign not found")
	case errors.Is(err, dispatch.ErrCampaignActive),
		errors.Is(err, dispatch.ErrAlreadyRunning),
		errors.Is(err, dispatch.ErrNotActive),
		errors.Is(err, dispatch.ErrOwnedElsewhere),
		errors.Is(err, dispatch.ErrInvalidTransition):
		httputil.Error(w, http.StatusConflict, err.Error())
	case isValidationError(err):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

var validationErrors = []error{
	domain.ErrInvalidChannelType,
	domain.ErrInvalidRateLimit,
	domain.ErrInvalidAntiBanMode,
	domain.ErrInvalidDelayRange,
	domain.ErrInvalidCooldown,
	domain.ErrNoAccounts,
	domain.ErrMissingSegment,
	domain.ErrMissingScheduleTime,
	domain.ErrMissingRecurring,
	domain.ErrInvalidScheduleMode,
	domain.ErrCampaignNotEditable,
	schedule.ErrNoSendTimes,
	schedule.ErrInvalidTimeFormat,
	schedule.ErrDuplicateSendTime,
	schedule.ErrSendTimesTooClose,
	schedule.ErrSendTimeNotFound,
	schedule.ErrInvalidOffDay,
	schedule.ErrAllDaysOff,
	schedule.ErrDuplicateOffDay,
	schedule.ErrOffDayNotFound,
	schedule.ErrDateRangeInverted,
	schedule.ErrUnknownTimezone,
	dispatch.ErrNoRecipients,
	dispatch.ErrNoActiveAccounts,
}

func isValidationError(err error) bool {
	for _, sentinel := range validationErrors {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
