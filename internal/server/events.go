package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/jmalik/finsights/internal/pipeline"
)

// eventHub fans stage progress out to SSE subscribers. Publishing never
// blocks the pipeline: a subscriber that falls behind loses events.
type eventHub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan pipeline.ProgressEvent]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[uuid.UUID]map[chan pipeline.ProgressEvent]struct{})}
}

func (h *eventHub) publish(jobID uuid.UUID, ev pipeline.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[jobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// subscribe registers a listener for one job's events. The returned cancel
// function must be called exactly once.
func (h *eventHub) subscribe(jobID uuid.UUID) (<-chan pipeline.ProgressEvent, func()) {
	ch := make(chan pipeline.ProgressEvent, 16)

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan pipeline.ProgressEvent]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[jobID], ch)
		if len(h.subs[jobID]) == 0 {
			delete(h.subs, jobID)
		}
	}
	return ch, cancel
}

// sseStream is one subscriber's wire connection: each event goes out as an
// `event:`/`data:` pair and is flushed immediately so progress reaches the
// client while the job is still running.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEStream(w http.ResponseWriter) (*sseStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	return &sseStream{w: w, flusher: flusher}, nil
}

func (s *sseStream) event(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// complete is the terminating event every stream ends with.
func (s *sseStream) complete(jobID, status string) {
	s.event("complete", map[string]string{ //nolint:errcheck
		"job_id": jobID,
		"status": status,
	})
}

func (s *sseStream) fail(message string) {
	s.event("error", map[string]string{"error": message}) //nolint:errcheck
}
