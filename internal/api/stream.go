package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/metrics"
)

const heartbeatInterval = 15 * time.Second

// Stream handles GET /stream: store-mutation notifications as server-sent
// events. ?topic= restricts the stream to one topic.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "notification bus not available"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming not supported"})
		return
	}

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = domain.TopicAll
	} else if !slices.Contains(domain.AllTopics, topic) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "unknown topic " + topic})
		return
	}

	ctx := r.Context()
	msgs := make(chan *domain.Message, 64)
	sub, err := h.Bus.Subscribe(ctx, topic, func(_ context.Context, msg *domain.Message) error {
		select {
		case msgs <- msg:
		default:
			metrics.BusDropped(msg.Topic)
			slog.Warn("stream client too slow, notification dropped", "topic", msg.Topic)
		}
		return nil
	})
	if err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	defer sub.Unsubscribe()

	// the server write timeout does not apply to a long-lived stream
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg := <-msgs:
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", msg.ID, msg.Topic, msg.Payload)
			flusher.Flush()
		}
	}
}
