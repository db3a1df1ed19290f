package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/postfixrelay/imapforward/internal/retry"
)

// RelayConfig holds SMTP connection settings
type RelayConfig struct {
	Host      string // SMTP server host (e.g., "smtp.gmail.com")
	Port      int    // submission port, STARTTLS is required
	Username  string
	Password  string
	TLSConfig *tls.Config
	// Timeout bounds the connect and every SMTP command; zero uses 1 minute
	Timeout time.Duration

	Retry retry.FixedConfig

	// RateLimit caps transmissions per second; zero or less disables it
	RateLimit float64
	Burst     int
}

// Addr returns host:port of the relay
func (c RelayConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Transport transmits one rendered message to one recipient
type Transport interface {
	Transmit(from, to string, payload []byte) error
}

// RelayError wraps an error with information about whether it's permanent or temporary.
// Permanent errors (5xx SMTP codes) are not retried.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a permanent (5xx) relay failure.
// Network and connection errors are temporary.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	return false
}

const defaultRelayTimeout = time.Minute

// SMTPTransport submits messages over STARTTLS with PLAIN authentication
type SMTPTransport struct {
	addr      string
	auth      sasl.Client
	tlsConfig *tls.Config
	timeout   time.Duration
}

// NewSMTPTransport validates the relay settings. A failure here is a setup
// error, distinct from a per-message send error.
func NewSMTPTransport(cfg RelayConfig) (*SMTPTransport, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: relay host not configured", ErrRelaySetup)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: invalid relay port %d", ErrRelaySetup, cfg.Port)
	}

	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			ServerName: cfg.Host,
			MinVersion: tls.VersionTLS12,
		}
	}

	var auth sasl.Client
	if cfg.Username != "" {
		auth = sasl.NewPlainClient("", cfg.Username, cfg.Password)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRelayTimeout
	}

	return &SMTPTransport{
		addr:      cfg.Addr(),
		auth:      auth,
		tlsConfig: tlsConfig,
		timeout:   timeout,
	}, nil
}

// boundedConn caps every deadline the SMTP client sets, including the
// greeting and STARTTLS exchange that run before its timeouts can be set
type boundedConn struct {
	net.Conn
	timeout time.Duration
}

func (c *boundedConn) limit(t time.Time) time.Time {
	if latest := time.Now().Add(c.timeout); t.IsZero() || t.After(latest) {
		return latest
	}
	return t
}

func (c *boundedConn) SetDeadline(t time.Time) error {
	return c.Conn.SetDeadline(c.limit(t))
}

func (c *boundedConn) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(c.limit(t))
}

func (c *boundedConn) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(c.limit(t))
}

// Transmit performs one SMTP transaction
func (t *SMTPTransport) Transmit(from, to string, payload []byte) error {
	log.Debug().Str("addr", t.addr).Str("from", from).Str("to", to).Msg("Connecting to SMTP server")

	dialer := &net.Dialer{Timeout: t.timeout}
	conn, err := dialer.Dial("tcp", t.addr)
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err)}
	}

	c, err := smtp.NewClientStartTLS(&boundedConn{Conn: conn, timeout: t.timeout}, t.tlsConfig)
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err), Permanent: IsPermanentError(err)}
	}
	defer c.Close()
	c.CommandTimeout = t.timeout
	c.SubmissionTimeout = t.timeout

	if t.auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(t.auth); err != nil {
				return &RelayError{Err: fmt.Errorf("SMTP authentication failed: %w", err), Permanent: IsPermanentError(err)}
			}
		}
	}

	opts := &smtp.MailOptions{}
	if ok, _ := c.Extension("8BITMIME"); ok {
		opts.Body = smtp.Body8BitMIME
	}

	if err := c.Mail(from, opts); err != nil {
		return &RelayError{Err: fmt.Errorf("MAIL FROM failed: %w", err), Permanent: IsPermanentError(err)}
	}
	if err := c.Rcpt(to, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("RCPT TO failed: %w", err), Permanent: IsPermanentError(err)}
	}

	wc, err := c.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("DATA command failed: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(payload); err != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to complete message: %w", err), Permanent: IsPermanentError(err)}
	}

	// the message is already accepted
	if err := c.Quit(); err != nil {
		log.Warn().Err(err).Str("addr", t.addr).Msg("Failed to send QUIT")
	}
	return nil
}

// Relay forwards outgoing messages to a recipient list, one independent
// transmission per recipient
type Relay struct {
	cfg          RelayConfig
	limiter      *rate.Limiter
	newTransport func(RelayConfig) (Transport, error)
}

// NewRelay creates a relay backed by SMTPTransport
func NewRelay(cfg RelayConfig) *Relay {
	return NewRelayWithTransport(cfg, func(c RelayConfig) (Transport, error) {
		return NewSMTPTransport(c)
	})
}

// NewRelayWithTransport creates a relay that builds its transport with
// newTransport at the start of every batch
func NewRelayWithTransport(cfg RelayConfig, newTransport func(RelayConfig) (Transport, error)) *Relay {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Relay{
		cfg:          cfg,
		limiter:      rate.NewLimiter(limit, burst),
		newTransport: newTransport,
	}
}

// SendAll sends out to every recipient. The error is reserved for setup
// failures, in which case nothing was attempted; per-recipient failures are
// reported in the returned deliveries.
func (r *Relay) SendAll(ctx context.Context, out *Outgoing, recipients []string) ([]Delivery, error) {
	transport, err := r.newTransport(r.cfg)
	if err != nil {
		if !errors.Is(err, ErrRelaySetup) {
			err = fmt.Errorf("%w: %v", ErrRelaySetup, err)
		}
		return nil, err
	}

	deliveries := make([]Delivery, 0, len(recipients))
	for _, to := range recipients {
		deliveries = append(deliveries, r.send(ctx, transport, out, to))
	}
	return deliveries, nil
}

func (r *Relay) send(ctx context.Context, transport Transport, out *Outgoing, to string) Delivery {
	start := time.Now()
	d := Delivery{Recipient: to}

	addr, err := gomail.ParseAddress(to)
	if err != nil {
		d.Err = fmt.Errorf("%w: to %q: %v", ErrInvalidAddress, to, err)
		return d
	}

	payload, err := out.Payload(to)
	if err != nil {
		d.Err = err
		return d
	}

	cfg := r.cfg.Retry
	cfg.OnRetry = func(attempt int, err error) {
		log.Warn().Err(err).
			Str("recipient", to).
			Int("attempt", attempt).
			Dur("retryIn", cfg.Interval).
			Msg("Relay attempt failed, retrying")
	}

	d.Attempts, d.Err = retry.WithRetry(ctx, func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return retry.Stop(err)
		}
		err := transport.Transmit(out.Sender, addr.Address, payload)
		if IsPermanentError(err) {
			return retry.Stop(err)
		}
		return err
	}, cfg)
	d.Duration = time.Since(start)

	return d
}
