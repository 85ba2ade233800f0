package push

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// serveSSE streams the messages of a fresh subscription as Server-Sent Events.
// Each message is written as an "event: message" frame whose data is a MESSAGE
// Event; comment lines keep idle connections alive.
func (h *Handler[T]) serveSSE(w http.ResponseWriter, r *http.Request) {
	if h.closing() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		http.Error(w, "at least one topic parameter is required", http.StatusBadRequest)
		return
	}
	sub, err := h.manager.CreateSubscription(r.URL.Query().Get("id"))
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	defer sub.Close()

	for _, topic := range topics {
		if _, err := sub.Subscribe(r.Context(), topic); err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}
	}

	if !h.admitStream() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	defer h.streams.Done()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Connection-ID", sub.ID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	messages := make(chan T)

	go func() {
		defer close(messages)

		for msg := range sub.ReadAll(r.Context()) {
			select {
			case messages <- msg:
			case <-r.Context().Done():
				return
			case <-h.done:
				return
			}
		}
	}()

	ticker := time.NewTicker(h.options.PingInterval)
	defer ticker.Stop()

	var sequence uint64

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			sequence++

			if err := h.writeSSE(w, sequence, msg); err != nil {
				h.options.reportError("sse_write", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		}
	}
}

func (h *Handler[T]) writeSSE(w http.ResponseWriter, id uint64, msg T) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Event{
		Action:  ActionMessage,
		Topic:   h.manager.TopicOf(msg),
		Payload: payload,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", id, data)
	return err
}
