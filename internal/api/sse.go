package api

import (
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"sync"
	"time"

	"gwi.com/inference-gateway/internal/core"
)

var errStreamClosed = errors.New("event stream closed")

// sseWriter serializes events as "data: <json>\n\n" records and flushes each one.
// Writes are serialized so keep-alives can share the connection.
type sseWriter struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	mu     sync.Mutex
	closed bool
}

func startSSE(w http.ResponseWriter, status int) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(status)

	s := &sseWriter{w: w, rc: http.NewResponseController(w)}
	s.flush()
	return s
}

func (s *sseWriter) WriteEvent(ev core.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(data)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return s.write(buf)
}

// WriteKeepAlive sends an SSE comment, which clients ignore.
func (s *sseWriter) WriteKeepAlive() error {
	return s.write([]byte(": ping\n\n"))
}

func (s *sseWriter) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *sseWriter) write(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	return s.flush()
}

func (s *sseWriter) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// streamEvents relays events to the client until the sequence ends or a write fails.
// A failed write stops consuming the sequence, which cancels the upstream call.
func (h *APIHandler) streamEvents(w http.ResponseWriter, status int, events iter.Seq[core.StreamEvent]) {
	sse := startSSE(w, status)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	if h.cfg.KeepAlive > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(h.cfg.KeepAlive)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					if err := sse.WriteKeepAlive(); err != nil {
						return
					}
					h.metrics.RecordKeepAlive()
				}
			}
		}()
	}
	defer func() {
		close(stop)
		wg.Wait()
		sse.Close()
	}()

	for ev := range events {
		if err := sse.WriteEvent(ev); err != nil {
			h.logger.Debug().Err(err).Msg("failed to write event, client likely gone")
			return
		}
	}
}

func singleEvent(ev core.StreamEvent) iter.Seq[core.StreamEvent] {
	return func(yield func(core.StreamEvent) bool) {
		yield(ev)
	}
}
