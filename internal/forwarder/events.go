package forwarder

import (
	"time"

	"github.com/postfixrelay/imapforward/internal/mail"
)

// EventKind identifies what happened in the watch loop
type EventKind int

const (
	EventConnected EventKind = iota
	EventConnectRetry
	EventConnectFailed
	EventDisconnected
	EventWaitOutcome
	EventRejected
	EventAbandoned
	EventForwarded
	EventForwardFailed
	EventCycleError
)

var eventNames = map[EventKind]string{
	EventConnected:     "connected",
	EventConnectRetry:  "connect_retry",
	EventConnectFailed: "connect_failed",
	EventDisconnected:  "disconnected",
	EventWaitOutcome:   "wait_outcome",
	EventRejected:      "rejected",
	EventAbandoned:     "abandoned",
	EventForwarded:     "forwarded",
	EventForwardFailed: "forward_failed",
	EventCycleError:    "cycle_error",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is a structured record of one loop step. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind   EventKind
	Time   time.Time
	Folder string

	// Count is the message count or baseline the event refers to
	Count   uint32
	Attempt int
	Outcome mail.OutcomeKind

	// Field and Value name the header that failed a filter
	Field string
	Value string

	Recipient string
	Duration  time.Duration
	Reason    string
	Err       error
}

// Observer receives loop events. Observe is called synchronously from the
// loop goroutine and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans an event out to every member in order
type Observers []Observer

func (o Observers) Observe(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(e)
		}
	}
}
