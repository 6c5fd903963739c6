package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/transcript-engine/internal/events"
)

// LiveEvents is the subscription side of the event bus.
type LiveEvents interface {
	Subscribe(filter events.Filter) (<-chan events.Event, func())
	ReplaySince(lastID string, filter events.Filter) []events.Event
}

type EventsHandler struct {
	live      LiveEvents
	keepalive time.Duration
}

func NewEventsHandler(live LiveEvents) *EventsHandler {
	return &EventsHandler{live: live, keepalive: 15 * time.Second}
}

// StreamEvents opens an SSE connection and pushes job status changes.
// ?job_id=a,b limits the stream to those jobs.
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, "event streaming not available")
		return
	}

	rc := http.NewResponseController(w)
	filter := events.Filter{JobIDs: QueryStringList(r, "job_id")}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The server's write timeout would otherwise cut long streams.
	_ = rc.SetWriteDeadline(time.Time{})

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := h.live.Subscribe(filter)
	defer cancel()

	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		for _, e := range h.live.ReplaySince(lastEventID, filter) {
			writeEvent(w, e)
		}
	}
	if err := rc.Flush(); err != nil {
		return
	}

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	log := hlog.FromRequest(r)
	log.Debug().Strs("job_ids", filter.JobIDs).Msg("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			log.Debug().Msg("SSE client disconnected")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, event)
			rc.Flush()
		case <-keepalive.C:
			io.WriteString(w, ": keepalive\n\n")
			rc.Flush()
		}
	}
}

func writeEvent(w io.Writer, e events.Event) {
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, e.Data)
}

// Routes registers event routes on the given router.
func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/events", h.StreamEvents)
}
