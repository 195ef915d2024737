package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pulsemail/relay/internal/control"
	"github.com/pulsemail/relay/internal/domain"
	"github.com/pulsemail/relay/internal/ledger"
)

// StartCampaign launches a new campaign.
//
//	POST /api/campaigns
func (h *Handlers) StartCampaign(w http.ResponseWriter, r *http.Request) {
	var req control.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	campaign, err := h.control.Start(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

// ListCampaigns returns recent campaigns with their stored totals.
//
//	GET /api/campaigns?limit=50
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r, 50, 500)
	campaigns, err := h.ledger.ListCampaigns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list campaigns failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": campaigns})
}

// GetCampaign returns one campaign plus its live cached counters.
//
//	GET /api/campaigns/{campaignID}
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	campaign, err := h.ledger.GetCampaign(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	resp := map[string]any{"campaign": campaign}
	if meta, err := h.cache.Meta(r.Context(), id); err == nil && len(meta) > 0 {
		resp["live"] = meta
	}
	if health, err := h.cache.Health(r.Context(), id); err == nil && len(health) > 0 {
		resp["domainHealth"] = health
	}
	writeJSON(w, http.StatusOK, resp)
}

// PauseCampaign holds a running campaign.
//
//	POST /api/campaigns/{campaignID}/pause
func (h *Handlers) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.control.Pause)
}

// ResumeCampaign releases a paused campaign.
//
//	POST /api/campaigns/{campaignID}/resume
func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.control.Resume)
}

// CancelCampaign terminally stops a campaign.
//
//	POST /api/campaigns/{campaignID}/cancel
func (h *Handlers) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.control.Cancel)
}

func (h *Handlers) lifecycle(w http.ResponseWriter, r *http.Request, cmd func(context.Context, string) error) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}
	if err := cmd(r.Context(), id); err != nil {
		h.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "ok"})
}

// DeleteCampaign permanently removes a campaign. Requires ?confirm=true.
//
//	DELETE /api/campaigns/{campaignID}?confirm=true
func (h *Handlers) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}
	confirm := r.URL.Query().Get("confirm") == "true"
	if err := h.control.Delete(r.Context(), id, confirm); err != nil {
		h.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

// RetryContact re-arms one failed recipient.
//
//	POST /api/campaigns/{campaignID}/contacts/{contactID}/retry
func (h *Handlers) RetryContact(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := h.campaignID(w, r)
	if !ok {
		return
	}
	contactID, err := domain.NormalizeID(chi.URLParam(r, "contactID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid contact id")
		return
	}
	if err := h.control.RetryContact(r.Context(), campaignID, contactID); err != nil {
		h.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"campaignId": campaignID, "contactId": contactID, "status": "requeued"})
}

// RetryFailed re-arms every eligible failed recipient of a campaign.
//
//	POST /api/campaigns/{campaignID}/retry-failed
func (h *Handlers) RetryFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}
	n, err := h.control.RetryFailed(r.Context(), id)
	if err != nil {
		h.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaignId": id, "requeued": n})
}

// ListCampaignContacts pages through a campaign's recipient rows.
//
//	GET /api/campaigns/{campaignID}/contacts?limit=100&offset=0
func (h *Handlers) ListCampaignContacts(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r, 100, 1000)
	rows, err := h.ledger.ListRows(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list contacts failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": rows, "limit": limit, "offset": offset})
}

// ListCampaignEvents pages through a campaign's engagement log.
//
//	GET /api/campaigns/{campaignID}/events?limit=100&offset=0
func (h *Handlers) ListCampaignEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r, 100, 1000)
	events, err := h.ledger.ListEvents(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "limit": limit, "offset": offset})
}

// ListCampaignReplies pages through a campaign's captured replies.
//
//	GET /api/campaigns/{campaignID}/replies?limit=100&offset=0
func (h *Handlers) ListCampaignReplies(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r, 100, 1000)
	list, err := h.ledger.ListReplies(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list replies failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replies": list, "limit": limit, "offset": offset})
}

// TriggerReconcile runs one repair sweep immediately.
//
//	POST /api/admin/reconcile
func (h *Handlers) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	h.control.Reconcile(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}

// DeliveryStats returns queue depth and pool counters.
//
//	GET /api/admin/stats
func (h *Handlers) DeliveryStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if h.queue != nil {
		if snap, err := h.queue.Snapshot(r.Context()); err == nil {
			resp["queue"] = snap
		}
	}
	if h.pool != nil {
		resp["pool"] = h.pool.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HealthCheck reports process liveness.
//
//	GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": strconv.FormatInt(int64(time.Since(h.startedAt).Seconds()), 10) + "s",
	})
}

func (h *Handlers) campaignID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := domain.NormalizeID(chi.URLParam(r, "campaignID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return "", false
	}
	return id, true
}

func (h *Handlers) writeLedgerError(w http.ResponseWriter, err error) {
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	log.Printf("[API] ledger: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (h *Handlers) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "campaign not found")
	case errors.Is(err, control.ErrNotConfirmed):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, control.ErrInvalidTransition),
		errors.Is(err, control.ErrStillRunning),
		errors.Is(err, control.ErrNotEligible):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("[API] control: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
