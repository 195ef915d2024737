package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pulsemail/relay/internal/bus"
)

// ssePingInterval keeps idle SSE connections alive through proxies.
const ssePingInterval = 15 * time.Second

// StreamEvents streams campaign-lifecycle notices over SSE, starting with a
// replay of recent history so a reconnecting client catches up.
//
//	GET /api/events/stream
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := sseSetup(w)
	if !ok {
		return
	}

	if notices, err := h.bus.RecentCampaignNotices(r.Context(), 50); err == nil {
		// Oldest first so clients apply them in order
		for i := len(notices) - 1; i >= 0; i-- {
			sseWrite(w, "campaign", notices[i])
		}
		flusher.Flush()
	}

	msgs := h.bus.Subscribe(r.Context(), bus.ChannelCampaigns)
	h.pump(w, r, flusher, msgs, func(m bus.Message) (string, []byte) {
		return "campaign", m.Payload
	})
}

// StreamCampaign streams one campaign's recipient updates and engagement
// notifications.
//
//	GET /api/campaigns/{campaignID}/stream
func (h *Handlers) StreamCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}
	flusher, ok := sseSetup(w)
	if !ok {
		return
	}

	msgs := h.bus.Subscribe(r.Context(),
		bus.ContactUpdateChannel(id),
		bus.EventsChannel(id),
	)
	h.pump(w, r, flusher, msgs, func(m bus.Message) (string, []byte) {
		if strings.HasSuffix(m.Channel, ":contact_update") {
			return "contact", m.Payload
		}
		return "campaign_event", m.Payload
	})
}

// pump forwards bus messages to the SSE response until the client goes away.
func (h *Handlers) pump(w http.ResponseWriter, r *http.Request, flusher http.Flusher, msgs <-chan bus.Message, route func(bus.Message) (string, []byte)) {
	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case m, ok := <-msgs:
			if !ok {
				return
			}
			event, payload := route(m)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
			flusher.Flush()
		}
	}
}

func sseSetup(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return flusher, true
}

func sseWrite(w http.ResponseWriter, event string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
}
