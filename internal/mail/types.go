package mail

import (
	"errors"
	"time"
)

var (
	// ErrMissingHeader is returned when a candidate lacks a header required to forward it
	ErrMissingHeader = errors.New("missing required header")
	// ErrInvalidAddress is returned for an unparseable sender or recipient address
	ErrInvalidAddress = errors.New("invalid address")
	// ErrRelaySetup is returned when the relay transport cannot be built at all
	ErrRelaySetup = errors.New("relay setup failed")
	// ErrNoMessage is returned when a fetch yields nothing at the requested position
	ErrNoMessage = errors.New("message not found")
	// ErrIdleStalled is returned when the server does not complete IDLE after DONE
	ErrIdleStalled = errors.New("server did not end IDLE")
	// ErrSessionClosed is returned by a session whose connection was torn down
	ErrSessionClosed = errors.New("session closed")
)

// Headers maps a header field name to its trimmed value
type Headers map[string]string

// FolderInfo contains status information about the selected folder
type FolderInfo struct {
	Name     string `json:"name"`
	Messages uint32 `json:"messages"`
}

// Candidate is a freshly fetched message considered for forwarding
type Candidate struct {
	SeqNum  uint32
	Headers Headers
	Body    []byte
}

// OutcomeKind classifies how a wait for mailbox changes ended
type OutcomeKind int

const (
	// NoChange means the wait timed out without a new message
	NoChange OutcomeKind = iota
	// MailboxChanged means the message count grew past the baseline
	MailboxChanged
	// SessionEnded means the server closed the session
	SessionEnded
)

func (k OutcomeKind) String() string {
	switch k {
	case MailboxChanged:
		return "changed"
	case SessionEnded:
		return "ended"
	default:
		return "no_change"
	}
}

// Outcome is the result of WaitForChange. Count is the most recent message
// count observed during the wait.
type Outcome struct {
	Kind  OutcomeKind
	Count uint32
}

// Delivery records the result of forwarding to a single recipient
type Delivery struct {
	Recipient string        `json:"recipient"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// OK reports whether the recipient accepted the message
func (d Delivery) OK() bool {
	return d.Err == nil
}

// FormatRFC822Date returns the current time in RFC822 format for email headers
func FormatRFC822Date() string {
	return time.Now().Format(time.RFC1123Z)
}
