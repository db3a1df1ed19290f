// Package alerts posts failures of the relay to an HTTP webhook.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/postfixrelay/imapforward/internal/forwarder"
)

// Severity of an alert
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one notification sent to the webhook
type Alert struct {
	Kind        string    `json:"kind"`
	Severity    Severity  `json:"severity"`
	Folder      string    `json:"folder"`
	Recipient   string    `json:"recipient,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggeredAt"`
}

// Config holds webhook settings
type Config struct {
	URL           string
	Authorization string
	Timeout       time.Duration
	// QueueSize bounds alerts waiting to be posted; extra alerts are dropped
	QueueSize int
}

// Notifier is a forwarder.Observer that turns failure events into webhook
// posts. Posting happens on the goroutine started by Run.
type Notifier struct {
	cfg    Config
	client *http.Client
	queue  chan Alert
}

// NewNotifier creates a notifier for cfg.URL
func NewNotifier(cfg Config) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan Alert, cfg.QueueSize),
	}
}

// Observe queues an alert for events worth paging about. It never blocks.
func (n *Notifier) Observe(e forwarder.Event) {
	alert, ok := alertFor(e)
	if !ok {
		return
	}

	select {
	case n.queue <- alert:
	default:
		log.Warn().Str("kind", alert.Kind).Msg("Alert queue full, dropping alert")
	}
}

func alertFor(e forwarder.Event) (Alert, bool) {
	a := Alert{
		Kind:        e.Kind.String(),
		Folder:      e.Folder,
		Recipient:   e.Recipient,
		Attempt:     e.Attempt,
		TriggeredAt: e.Time,
	}
	if a.TriggeredAt.IsZero() {
		a.TriggeredAt = time.Now()
	}
	if e.Err != nil {
		a.Message = e.Err.Error()
	}

	switch e.Kind {
	case forwarder.EventConnectFailed:
		a.Severity = SeverityCritical
	case forwarder.EventForwardFailed, forwarder.EventCycleError:
		a.Severity = SeverityWarning
	default:
		return Alert{}, false
	}
	return a, true
}

// Run posts queued alerts until ctx is done
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-n.queue:
			if err := n.send(ctx, alert); err != nil {
				log.Error().
					Err(err).
					Str("kind", alert.Kind).
					Msg("Failed to send alert")
			}
		}
	}
}

func (n *Notifier) send(ctx context.Context, alert Alert) error {
	payload := map[string]interface{}{
		"alert":     alert,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.Authorization != "" {
		req.Header.Set("Authorization", n.cfg.Authorization)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
