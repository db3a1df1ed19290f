package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog/log"
)

const (
	defaultCommandTimeout = 30 * time.Second
	defaultIdleGrace      = 30 * time.Second
)

// DialConfig holds the IMAP endpoint and account credentials
type DialConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// Timeout bounds the connect and every command except IDLE
	Timeout time.Duration
	// IdleGrace is how long the server gets to complete IDLE after DONE
	IdleGrace time.Duration
}

func (c DialConfig) withDefaults() DialConfig {
	if c.Timeout <= 0 {
		c.Timeout = defaultCommandTimeout
	}
	if c.IdleGrace <= 0 {
		c.IdleGrace = defaultIdleGrace
	}
	return c
}

// Session represents an authenticated IMAP connection watching one folder
type Session struct {
	client     *client.Client
	conn       net.Conn
	scan       *responseScanner
	cmdTimeout time.Duration
	idleGrace  time.Duration
	terminated atomic.Bool
}

// Dial connects over implicit TLS and logs in
func Dial(ctx context.Context, cfg DialConfig) (*Session, error) {
	cfg = cfg.withDefaults()
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	log.Debug().Str("addr", addr).Str("username", cfg.Username).Msg("Connecting to IMAP server")

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: cfg.Timeout},
		Config:    &tls.Config{ServerName: cfg.Host},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mail server: %w", err)
	}
	return newSession(ctx, conn, cfg)
}

// newSession reads the greeting on an established connection and logs in
func newSession(ctx context.Context, conn net.Conn, cfg DialConfig) (*Session, error) {
	cfg = cfg.withDefaults()
	scan := newResponseScanner()

	_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	c, err := client.New(&trackingConn{Conn: conn, scan: scan})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to mail server: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	s := &Session{
		client:     c,
		conn:       conn,
		scan:       scan,
		cmdTimeout: cfg.Timeout,
		idleGrace:  cfg.IdleGrace,
	}

	if err := s.command(ctx, func() error {
		return c.Login(cfg.Username, cfg.Password)
	}); err != nil {
		s.terminate()
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return s, nil
}

// command runs one IMAP command under the command timeout. A cancelled
// context tears the connection down since the command cannot be aborted.
func (s *Session) command(ctx context.Context, fn func() error) error {
	if s.terminated.Load() {
		return ErrSessionClosed
	}
	s.client.Timeout = s.cmdTimeout

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil && s.loggedOut() {
			s.terminate()
			return err
		}
		// the library leaves the command deadline on the socket
		_ = s.conn.SetDeadline(time.Time{})
		return err
	case <-ctx.Done():
		s.terminate()
		return ctx.Err()
	}
}

func (s *Session) loggedOut() bool {
	select {
	case <-s.client.LoggedOut():
		return true
	default:
		return false
	}
}

func (s *Session) terminate() {
	if s.terminated.Swap(true) {
		return
	}
	_ = s.client.Terminate()
}

// SelectFolder selects a mailbox folder read-write
func (s *Session) SelectFolder(ctx context.Context, name string) (*FolderInfo, error) {
	s.scan.reset()
	err := s.command(ctx, func() error {
		_, err := s.client.Select(name, false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select folder: %w", err)
	}

	return &FolderInfo{
		Name:     name,
		Messages: s.scan.settle(),
	}, nil
}

// WaitForChange idles until the message count rises above the running count
// (starting at baseline), the server ends the session, or timeout elapses.
func (s *Session) WaitForChange(ctx context.Context, baseline uint32, timeout time.Duration) (Outcome, error) {
	// replay what arrived between waits
	current, kind := s.replay(baseline)
	if kind != NoChange {
		return Outcome{Kind: kind, Count: current}, nil
	}
	if s.terminated.Load() {
		return Outcome{}, ErrSessionClosed
	}

	// IDLE runs without a socket deadline, the timer and grace bound it
	s.client.Timeout = 0

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.client.Idle(stop, &client.IdleOptions{PollInterval: time.Minute})
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-s.scan.notify:
			current, kind = s.replay(current)
			switch kind {
			case NoChange:
				continue
			case SessionEnded:
				s.terminate()
				return Outcome{Kind: SessionEnded, Count: current}, nil
			}
			if err := s.stopIdle(ctx, stop, done); err != nil {
				return Outcome{}, err
			}
			return Outcome{Kind: kind, Count: current}, nil

		case <-timer.C:
			if err := s.stopIdle(ctx, stop, done); err != nil {
				return Outcome{}, err
			}
			return Outcome{Kind: NoChange, Count: current}, nil

		case err := <-done:
			// a closed connection fails the command after the reader exits
			ended := s.loggedOut()
			s.terminate()
			if err != nil && !ended {
				return Outcome{}, fmt.Errorf("idle failed: %w", err)
			}
			return Outcome{Kind: SessionEnded, Count: current}, nil

		case <-s.client.LoggedOut():
			s.terminate()
			return Outcome{Kind: SessionEnded, Count: current}, nil

		case <-ctx.Done():
			s.terminate()
			return Outcome{}, ctx.Err()
		}
	}
}

// stopIdle sends DONE and waits at most the grace period for the server to
// complete IDLE. Events arriving meanwhile stay queued for the next wait.
func (s *Session) stopIdle(ctx context.Context, stop chan struct{}, done <-chan error) error {
	close(stop)

	grace := time.NewTimer(s.idleGrace)
	defer grace.Stop()

	select {
	case err := <-done:
		if err != nil {
			s.terminate()
			return fmt.Errorf("idle failed: %w", err)
		}
		return nil
	case <-grace.C:
		s.terminate()
		return fmt.Errorf("%w within %s", ErrIdleStalled, s.idleGrace)
	case <-ctx.Done():
		s.terminate()
		return ctx.Err()
	}
}

// replay folds queued events into the running count and stops at the
// first one that needs the caller's attention
func (s *Session) replay(current uint32) (uint32, OutcomeKind) {
	for {
		ev, ok := s.scan.next()
		if !ok {
			return current, NoChange
		}
		var kind OutcomeKind
		current, kind = interpret(ev, current)
		if kind != NoChange {
			return current, kind
		}
	}
}

// interpret folds one server event into the running message count.
// Only a count strictly above the running count is reported as a change.
func interpret(ev serverEvent, current uint32) (uint32, OutcomeKind) {
	switch ev.kind {
	case eventExists:
		if ev.count > current {
			return ev.count, MailboxChanged
		}
		return ev.count, NoChange
	case eventExpunge:
		if current > 0 {
			current--
		}
		return current, NoChange
	case eventBye:
		return current, SessionEnded
	}
	return current, NoChange
}

// FetchMessage fetches the header block and text body of one message by
// sequence number without setting \Seen
func (s *Session) FetchMessage(ctx context.Context, seqNum uint32) (*Candidate, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(seqNum)

	headerSection := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier},
		Peek:         true,
	}
	textSection := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.TextSpecifier},
		Peek:         true,
	}
	items := []imap.FetchItem{headerSection.FetchItem(), textSection.FetchItem()}

	var msg *imap.Message
	err := s.command(ctx, func() error {
		messages := make(chan *imap.Message, 1)
		collected := make(chan struct{})
		go func() {
			defer close(collected)
			for m := range messages {
				if msg == nil {
					msg = m
				}
			}
		}()
		err := s.client.Fetch(seqSet, items, messages)
		<-collected
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}

	if msg == nil {
		return nil, fmt.Errorf("%w at position %d", ErrNoMessage, seqNum)
	}

	header := msg.GetBody(headerSection)
	if header == nil {
		return nil, fmt.Errorf("server returned no header for message %d", seqNum)
	}
	rawHeader, err := readLiteral(header)
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	candidate := &Candidate{
		SeqNum:  seqNum,
		Headers: ParseHeaders(rawHeader),
	}
	if text := msg.GetBody(textSection); text != nil {
		candidate.Body, err = readLiteral(text)
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
	}

	return candidate, nil
}

// Close logs out and drops the connection. Errors only matter for logging
// since the session is being discarded.
func (s *Session) Close() error {
	if s.client == nil || s.terminated.Load() {
		return nil
	}
	s.client.Timeout = s.cmdTimeout
	err := s.client.Logout()
	s.terminate()
	return err
}

func readLiteral(l imap.Literal) ([]byte, error) {
	return io.ReadAll(l)
}
