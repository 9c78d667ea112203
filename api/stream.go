package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PipeOpsHQ/dao-ai-builder/internal/httpx"
	"github.com/PipeOpsHQ/dao-ai-builder/observe"
)

// EventStream fans observe events out to live /api/events subscribers. It
// is an observe.Sink; slow subscribers drop events instead of blocking the
// emitter.
type EventStream struct {
	mu       sync.RWMutex
	nextID   int
	watchers map[int]chan observe.Event
}

func NewEventStream() *EventStream {
	return &EventStream{watchers: map[int]chan observe.Event{}}
}

func (s *EventStream) subscribe(buffer int) (int, <-chan observe.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buffer <= 0 {
		buffer = 64
	}
	id := s.nextID
	s.nextID++
	ch := make(chan observe.Event, buffer)
	s.watchers[id] = ch
	return id, ch
}

func (s *EventStream) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.watchers[id]; ok {
		delete(s.watchers, id)
		close(ch)
	}
}

func (s *EventStream) Emit(_ context.Context, event observe.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.watchers {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func eventMatches(event observe.Event, jobID, kind string) bool {
	if jobID != "" && event.JobID != jobID {
		return false
	}
	if kind != "" && !strings.EqualFold(string(event.Kind), kind) {
		return false
	}
	return true
}

// handleEvents streams lifecycle events, optionally filtered by job_id and
// kind.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(w, http.StatusInternalServerError, errStreamingUnsupported)
		return
	}
	id, ch := s.stream.subscribe(128)
	defer s.stream.unsubscribe(id)
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	jobID := strings.TrimSpace(r.URL.Query().Get("job_id"))
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-ch:
			if !open {
				return
			}
			if !eventMatches(event, jobID, kind) {
				continue
			}
			if err := writeSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSE frames payload as a single "data:" line.
func writeSSE(w http.ResponseWriter, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
