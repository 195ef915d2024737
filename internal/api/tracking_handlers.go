package api

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pulsemail/relay/internal/bus"
	"github.com/pulsemail/relay/internal/domain"
	"github.com/pulsemail/relay/internal/rewrite"
)

// trackingPixel is a 1x1 transparent GIF.
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TrackOpen records an open and serves the pixel. The pixel is always
// served, even for malformed ids: the recipient's mail client must never
// see an error.
//
//	GET /api/track/open/{campaignID}/{contactID}
func (h *Handlers) TrackOpen(w http.ResponseWriter, r *http.Request) {
	campaignID, contactID, ok := trackIDs(r)
	if ok {
		h.recordOpen(r, campaignID, contactID)
	}
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(trackingPixel)
}

// TrackClick decodes the wrapped target and redirects. A click implies the
// message was opened, so an open is backfilled if the pixel never fired
// (common with image-blocking clients).
//
//	GET /api/track/click/{campaignID}/{contactID}?u=<encoded>&o=1
func (h *Handlers) TrackClick(w http.ResponseWriter, r *http.Request) {
	campaignID, contactID, ok := trackIDs(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid tracking ids")
		return
	}

	target, decoded := rewrite.DecodeClickParam(r.URL.Query().Get("u"))
	if !decoded {
		// Record that the link was clicked even though the target is lost
		h.insertTrackEvent(r, &domain.CampaignEvent{
			CampaignID: campaignID,
			ContactID:  contactID,
			Type:       domain.EventClick,
			Note:       "decode_failed",
		})
		writeError(w, http.StatusBadRequest, "invalid link")
		return
	}

	now := time.Now().UTC()
	if _, err := h.tracker.SetClicked(r.Context(), campaignID, contactID, now); err != nil {
		log.Printf("[Track] click %s/%s: %v", campaignID, contactID, err)
	}
	if r.URL.Query().Get("o") == "1" {
		h.recordOpen(r, campaignID, contactID)
	}

	if err := h.cache.IncrMetric(r.Context(), campaignID, "clicks", 1); err != nil {
		log.Printf("[Track] clicks metric: %v", err)
	}
	h.insertTrackEvent(r, &domain.CampaignEvent{
		CampaignID: campaignID,
		ContactID:  contactID,
		Type:       domain.EventClick,
		URL:        target,
	})
	h.publishTrack(r, campaignID, contactID, domain.EventClick, &now)

	http.Redirect(w, r, target, http.StatusFound)
}

// recordOpen applies an open to the ledger. Every fetch appends an event;
// openedAt and the unique-open counter move only on the first.
func (h *Handlers) recordOpen(r *http.Request, campaignID, contactID string) {
	now := time.Now().UTC()
	first, err := h.tracker.SetOpened(r.Context(), campaignID, contactID, now)
	if err != nil {
		log.Printf("[Track] open %s/%s: %v", campaignID, contactID, err)
		return
	}
	h.insertTrackEvent(r, &domain.CampaignEvent{
		CampaignID: campaignID,
		ContactID:  contactID,
		Type:       domain.EventOpen,
	})
	if !first {
		return
	}
	if err := h.cache.IncrMetric(r.Context(), campaignID, "opens", 1); err != nil {
		log.Printf("[Track] opens metric: %v", err)
	}
	h.publishTrack(r, campaignID, contactID, domain.EventOpen, &now)
}

func (h *Handlers) insertTrackEvent(r *http.Request, e *domain.CampaignEvent) {
	e.UserAgent = r.UserAgent()
	e.IP = r.RemoteAddr
	if err := h.tracker.InsertEvent(r.Context(), e); err != nil {
		log.Printf("[Track] %s event: %v", e.Type, err)
	}
}

func (h *Handlers) publishTrack(r *http.Request, campaignID, contactID string, event domain.EventType, at *time.Time) {
	if h.bus == nil {
		return
	}
	update := bus.ContactUpdate{
		CampaignID: campaignID,
		ContactID:  contactID,
		Event:      string(event),
	}
	switch event {
	case domain.EventOpen:
		update.LastOpenAt = at
	case domain.EventClick:
		update.LastClickAt = at
	}
	h.bus.PublishContactUpdate(r.Context(), update)
	h.bus.PublishEvent(r.Context(), campaignID, map[string]any{
		"type":      string(event),
		"contactId": contactID,
	})
}

func trackIDs(r *http.Request) (campaignID, contactID string, ok bool) {
	campaignID, err := domain.NormalizeID(chi.URLParam(r, "campaignID"))
	if err != nil {
		return "", "", false
	}
	contactID, err = domain.NormalizeID(chi.URLParam(r, "contactID"))
	if err != nil {
		return "", "", false
	}
	return campaignID, contactID, true
}
