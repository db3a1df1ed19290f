package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/postfixrelay/imapforward/internal/forwarder"
)

const defaultEventHistory = 100

// Status is a point-in-time view of the relay
type Status struct {
	Connected     bool       `json:"connected"`
	Folder        string     `json:"folder"`
	Messages      uint32     `json:"messages"`
	ConnectedAt   *time.Time `json:"connectedAt,omitempty"`
	LastForwardAt *time.Time `json:"lastForwardAt,omitempty"`
	Forwarded     uint64     `json:"forwarded"`
	Failed        uint64     `json:"failed"`
	Rejected      uint64     `json:"rejected"`
	Abandoned     uint64     `json:"abandoned"`
	CycleErrors   uint64     `json:"cycleErrors"`
	LastError     string     `json:"lastError,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
}

// EventRecord is the JSON form of a loop event
type EventRecord struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	Count     uint32    `json:"count,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Field     string    `json:"field,omitempty"`
	Value     string    `json:"value,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// StatusTracker observes loop events and keeps a snapshot plus a bounded
// history of recent events. It is safe for concurrent use.
type StatusTracker struct {
	mu     sync.RWMutex
	status Status
	events []EventRecord
	next   int
	full   bool
}

// NewStatusTracker creates a tracker keeping up to history events
func NewStatusTracker(history int) *StatusTracker {
	if history <= 0 {
		history = defaultEventHistory
	}
	return &StatusTracker{
		status: Status{StartedAt: time.Now()},
		events: make([]EventRecord, history),
	}
}

func (t *StatusTracker) Observe(e forwarder.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := &t.status
	st.Folder = e.Folder
	switch e.Kind {
	case forwarder.EventConnected:
		st.Connected = true
		st.Messages = e.Count
		at := e.Time
		st.ConnectedAt = &at
	case forwarder.EventDisconnected:
		st.Connected = false
		st.ConnectedAt = nil
	case forwarder.EventWaitOutcome:
		st.Messages = e.Count
	case forwarder.EventForwarded:
		st.Forwarded++
		at := e.Time
		st.LastForwardAt = &at
	case forwarder.EventForwardFailed:
		st.Failed++
	case forwarder.EventRejected:
		st.Rejected++
	case forwarder.EventAbandoned:
		st.Abandoned++
	case forwarder.EventCycleError:
		st.CycleErrors++
	}
	if e.Err != nil {
		st.LastError = e.Err.Error()
	}

	// wait outcomes are too frequent to be worth keeping
	if e.Kind == forwarder.EventWaitOutcome {
		return
	}
	t.events[t.next] = toRecord(e)
	t.next = (t.next + 1) % len(t.events)
	if t.next == 0 {
		t.full = true
	}
}

// Snapshot returns a copy of the current status
func (t *StatusTracker) Snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Recent returns up to limit events, newest first
func (t *StatusTracker) Recent(limit int) []EventRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.next
	if t.full {
		n = len(t.events)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]EventRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (t.next - i + len(t.events)) % len(t.events)
		out = append(out, t.events[idx])
	}
	return out
}

func toRecord(e forwarder.Event) EventRecord {
	rec := EventRecord{
		Time:      e.Time,
		Kind:      e.Kind.String(),
		Count:     e.Count,
		Attempt:   e.Attempt,
		Field:     e.Field,
		Value:     e.Value,
		Recipient: e.Recipient,
		Reason:    e.Reason,
	}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}
	return rec
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.tracker.Snapshot())
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"events": s.tracker.Recent(limit),
	})
}
