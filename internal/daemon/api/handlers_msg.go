package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
)

type publishRequest struct {
	Payload json.RawMessage `json:"payload"`
	Sender  string          `json:"sender,omitempty"`
	Expires int64           `json:"expires,omitempty"` // TTL in ms
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.deps.Hub.Publish(r.Context(), r.PathValue("channel"), req.Payload, req.Sender, msDuration(req.Expires))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": id})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.deps.Hub.Get(r.Context(),
		r.PathValue("channel"), queryInt64(r, "after", 0), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(msgs), "messages": msgs})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	key := clientKey(r)
	if !s.budgets.acquireLongPoll(key, s.opts.LongPollPerIP) {
		writeError(w, apierr.New(apierr.ConnectionLimit, http.StatusTooManyRequests,
			"too many concurrent polls from %s", key))
		return
	}
	defer s.budgets.releaseLongPoll(key)

	msg, err := s.deps.Hub.Poll(r.Context(),
		r.PathValue("channel"), queryInt64(r, "after", 0), msDuration(queryInt64(r, "timeout", 0)))
	if err != nil {
		if r.Context().Err() != nil {
			return // client went away
		}
		writeError(w, err)
		return
	}
	body := map[string]interface{}{}
	if msg != nil {
		body["message"] = msg
	}
	writeJSON(w, http.StatusOK, body)
}

// handleSubscribe serves the SSE stream: an initial "connected" event,
// a data frame per message, and comment heartbeats to keep
// intermediaries from cutting the idle stream. The stream ends at the
// lifetime cap, on client disconnect, or when the hub drops a
// backlogged subscriber.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierr.Internalf("streaming unsupported on this connection"))
		return
	}

	key := clientKey(r)
	if !s.budgets.acquireSSE(key, s.opts.SSEPerIP) {
		writeError(w, apierr.New(apierr.ConnectionLimit, http.StatusTooManyRequests,
			"too many concurrent streams from %s", key))
		return
	}
	defer s.budgets.releaseSSE(key)

	channel := r.PathValue("channel")
	sub, err := s.deps.Hub.Subscribe(channel)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: connected\ndata: {\"channel\":%q}\n\n", channel)
	flusher.Flush()

	// Backlog requested via after= is replayed before live messages.
	if after := queryInt64(r, "after", 0); after > 0 {
		backlog, err := s.deps.Hub.Get(r.Context(), channel, after, 0)
		if err == nil {
			for _, m := range backlog {
				writeSSE(w, m)
			}
			flusher.Flush()
		}
	}

	heartbeat := time.NewTicker(s.opts.HeartbeatEvery)
	defer heartbeat.Stop()
	deadline := time.NewTimer(s.opts.SSETimeout)
	defer deadline.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ":heartbeat\n\n")
			flusher.Flush()
		case msg, open := <-sub.C:
			if !open {
				return
			}
			writeSSE(w, msg)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	infos, err := s.deps.Hub.Channels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(infos), "channels": infos})
}

func (b *budgetTable) acquireSSE(key string, max int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sse[key] >= max {
		return false
	}
	b.sse[key]++
	return true
}

func (b *budgetTable) releaseSSE(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sse[key] > 0 {
		b.sse[key]--
	}
	if b.sse[key] == 0 {
		delete(b.sse, key)
	}
}

func (b *budgetTable) acquireLongPoll(key string, max int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.longpoll[key] >= max {
		return false
	}
	b.longpoll[key]++
	return true
}

func (b *budgetTable) releaseLongPoll(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.longpoll[key] > 0 {
		b.longpoll[key]--
	}
	if b.longpoll[key] == 0 {
		delete(b.longpoll, key)
	}
}
