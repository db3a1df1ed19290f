// Package forwarder drives the watch, filter and forward cycle over one
// mailbox folder and recovers from connection loss by reconnecting.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/postfixrelay/imapforward/internal/filter"
	"github.com/postfixrelay/imapforward/internal/mail"
	"github.com/postfixrelay/imapforward/internal/retry"
)

// ErrNotConnected is returned by operations that need a live mailbox session
var ErrNotConnected = errors.New("not connected")

// Mailbox is the message-store capability the loop consumes
type Mailbox interface {
	SelectFolder(ctx context.Context, name string) (*mail.FolderInfo, error)
	WaitForChange(ctx context.Context, baseline uint32, timeout time.Duration) (mail.Outcome, error)
	FetchMessage(ctx context.Context, seqNum uint32) (*mail.Candidate, error)
	Close() error
}

var _ Mailbox = (*mail.Session)(nil)

// Dialer opens a new authenticated mailbox session
type Dialer func(ctx context.Context) (Mailbox, error)

// Sender relays one outgoing message to every recipient
type Sender interface {
	SendAll(ctx context.Context, out *mail.Outgoing, recipients []string) ([]mail.Delivery, error)
}

var _ Sender = (*mail.Relay)(nil)

// Config holds the loop settings
type Config struct {
	Folder       string
	Recipients   []string
	IdleTimeout  time.Duration
	ConnectRetry retry.FixedConfig
}

// connection is the Connected state. A nil *connection is Disconnected.
type connection struct {
	mailbox  Mailbox
	baseline uint32
}

// Forwarder owns the connection state. It is driven by a single goroutine.
type Forwarder struct {
	cfg      Config
	dial     Dialer
	filter   *filter.Engine
	sender   Sender
	observer Observer

	conn *connection
}

// New creates a Forwarder. A nil observer discards events.
func New(cfg Config, dial Dialer, engine *filter.Engine, sender Sender, observer Observer) *Forwarder {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if engine == nil {
		engine = filter.New("", "")
	}
	if observer == nil {
		observer = Observers{}
	}
	return &Forwarder{
		cfg:      cfg,
		dial:     dial,
		filter:   engine,
		sender:   sender,
		observer: observer,
	}
}

// Run loops until ctx is done, then closes any open session. Recoverable
// errors never end the loop.
func (f *Forwarder) Run(ctx context.Context) error {
	defer f.disconnect("shutdown")

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := f.step(ctx); err != nil && ctx.Err() == nil {
			return err
		}
	}
}

// Connected reports whether a session is currently held
func (f *Forwarder) Connected() bool {
	return f.conn != nil
}

// step runs one transition of the state machine
func (f *Forwarder) step(ctx context.Context) error {
	if f.conn == nil {
		if err := f.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return sleep(ctx, f.cfg.ConnectRetry.Interval)
		}
		return nil
	}
	return f.watch(ctx)
}

func (f *Forwarder) live() (*connection, error) {
	if f.conn == nil {
		return nil, ErrNotConnected
	}
	return f.conn, nil
}

func (f *Forwarder) connect(ctx context.Context) error {
	cfg := f.cfg.ConnectRetry
	cfg.OnRetry = func(attempt int, err error) {
		f.emit(Event{Kind: EventConnectRetry, Attempt: attempt, Err: err})
	}

	var conn *connection
	attempts, err := retry.WithRetry(ctx, func() error {
		mb, err := f.dial(ctx)
		if err != nil {
			return err
		}
		info, err := mb.SelectFolder(ctx, f.cfg.Folder)
		if err != nil {
			_ = mb.Close()
			return err
		}
		conn = &connection{mailbox: mb, baseline: info.Messages}
		return nil
	}, cfg)
	if err != nil {
		if ctx.Err() == nil {
			f.emit(Event{Kind: EventConnectFailed, Attempt: attempts, Err: err})
		}
		return err
	}

	f.conn = conn
	f.emit(Event{Kind: EventConnected, Count: conn.baseline, Attempt: attempts})
	return nil
}

func (f *Forwarder) disconnect(reason string) {
	if f.conn == nil {
		return
	}
	// best effort, the session is being discarded
	_ = f.conn.mailbox.Close()
	f.conn = nil
	f.emit(Event{Kind: EventDisconnected, Reason: reason})
}

func (f *Forwarder) watch(ctx context.Context) error {
	conn, err := f.live()
	if err != nil {
		return err
	}

	out, err := conn.mailbox.WaitForChange(ctx, conn.baseline, f.cfg.IdleTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.emit(Event{Kind: EventCycleError, Err: err})
		f.disconnect("wait failed")
		return nil
	}
	f.emit(Event{Kind: EventWaitOutcome, Outcome: out.Kind, Count: out.Count})

	switch out.Kind {
	case mail.SessionEnded:
		f.disconnect("session ended by server")
	case mail.NoChange:
		conn.baseline = out.Count
	case mail.MailboxChanged:
		if out.Count <= conn.baseline {
			return nil
		}
		conn.baseline = out.Count
		f.process(ctx, out.Count)
	}
	return nil
}

// process handles the candidate at seqNum. Only a failed fetch drops the
// connection; everything else abandons the candidate alone.
func (f *Forwarder) process(ctx context.Context, seqNum uint32) {
	conn, err := f.live()
	if err != nil {
		return
	}

	candidate, err := conn.mailbox.FetchMessage(ctx, seqNum)
	if err != nil {
		if errors.Is(err, mail.ErrNoMessage) {
			f.emit(Event{Kind: EventAbandoned, Count: seqNum, Err: err})
			return
		}
		f.emit(Event{Kind: EventCycleError, Count: seqNum, Err: fmt.Errorf("fetch message %d: %w", seqNum, err)})
		f.disconnect("fetch failed")
		return
	}

	if v := f.filter.Check(candidate.Headers); !v.Accepted {
		f.emit(Event{Kind: EventRejected, Count: seqNum, Field: v.Field, Value: v.Value})
		return
	}

	out, err := mail.NewOutgoing(candidate)
	if err != nil {
		f.emit(Event{Kind: EventAbandoned, Count: seqNum, Err: err})
		return
	}

	deliveries, err := f.sender.SendAll(ctx, out, f.cfg.Recipients)
	if err != nil {
		f.emit(Event{Kind: EventAbandoned, Count: seqNum, Err: err})
		return
	}

	for _, d := range deliveries {
		e := Event{Kind: EventForwarded, Count: seqNum, Recipient: d.Recipient, Attempt: d.Attempts, Duration: d.Duration}
		if !d.OK() {
			e.Kind = EventForwardFailed
			e.Err = d.Err
		}
		f.emit(e)
	}
}

func (f *Forwarder) emit(e Event) {
	e.Time = time.Now()
	e.Folder = f.cfg.Folder
	f.observer.Observe(e)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
