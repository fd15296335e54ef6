package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianfo/vigil/internal/events"
)

// EventStreamHandler streams bus notifications to observers over Server-Sent
// Events. Operators watching a session see gateway, coordinator and chain
// progress as it happens.
type EventStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewEventStreamHandler creates an SSE handler bound to the notification bus
func NewEventStreamHandler(bus *events.Bus, log zerolog.Logger) *EventStreamHandler {
	return &EventStreamHandler{
		bus: bus,
		log: log.With().Str("component", "event_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events/stream requests (SSE).
func (h *EventStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	typesFilter := r.URL.Query().Get("types")
	types := subscribedTypes(typesFilter)

	h.log.Info().
		Str("types_filter", typesFilter).
		Msg("Client connected to event stream")

	// Buffered so a slow client never blocks the emitter's goroutine
	notifChan := make(chan *events.Notification, 100)

	forward := func(n *events.Notification) {
		// Non-blocking send (drop if channel full)
		select {
		case notifChan <- n:
		default:
			h.log.Warn().
				Str("notification_type", string(n.Type)).
				Msg("Stream channel full, dropping notification")
		}
	}

	subs := make(map[events.NotificationType]int, len(types))
	for _, nt := range types {
		subs[nt] = h.bus.Subscribe(nt, forward)
	}
	defer func() {
		for nt, id := range subs {
			h.bus.Unsubscribe(nt, id)
		}
	}()

	// Detect client disconnect
	done := r.Context().Done()

	// Send initial connection message
	fmt.Fprintf(w, "data: %s\n\n", h.encode(map[string]any{
		"type":    "connected",
		"message": "Connected to vigil event stream",
	}))
	flusher.Flush()

	// Heartbeat ticker to keep the connection alive
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case n := <-notifChan:
			fmt.Fprintf(w, "data: %s\n\n", h.encode(map[string]any{
				"type":      string(n.Type),
				"module":    n.Module,
				"timestamp": n.Timestamp.Format(time.RFC3339),
				"data":      n.Data,
			}))
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprintf(w, "data: %s\n\n", h.encode(map[string]any{
				"type":      "heartbeat",
				"timestamp": time.Now().Format(time.RFC3339),
			}))
			flusher.Flush()
		}
	}
}

// subscribedTypes resolves the ?types= filter to the notification types a
// client receives. An empty filter subscribes to everything.
func subscribedTypes(filter string) []events.NotificationType {
	if filter == "" {
		return events.AllNotificationTypes
	}

	seen := make(map[events.NotificationType]bool)
	var out []events.NotificationType
	for _, t := range strings.Split(filter, ",") {
		trimmed := strings.TrimSpace(t)
		if trimmed == "" {
			continue
		}
		nt := events.NotificationType(trimmed)
		if seen[nt] {
			continue
		}
		seen[nt] = true
		out = append(out, nt)
	}
	return out
}

// encode encodes a stream payload to a JSON string.
func (h *EventStreamHandler) encode(payload map[string]any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal stream payload")
		return `{"error":"failed to encode payload"}`
	}
	return string(data)
}
