package config

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postfixrelay/imapforward/internal/crypto"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG", "USERNAME", "PASSWORD", "TO", "FOLDER", "SENDER", "SUBJECT",
		"IMAP_HOST", "IMAP_PORT", "SMTP_HOST", "SMTP_PORT", "SEND_RATE", "SEND_BURST",
		"IDLE_TIMEOUT", "IMAP_TIMEOUT", "SMTP_TIMEOUT", "CONNECT_RETRY_INTERVAL", "CONNECT_RETRY_ATTEMPTS",
		"SEND_RETRY_INTERVAL", "SEND_RETRY_ATTEMPTS", "STATUS_ADDR", "CORS_ORIGINS", "ALERT_WEBHOOK_URL", "ALERT_AUTHORIZATION", "SECRET_KEY",
	} {
		t.Setenv(envPrefix+key, "")
	}
}

func TestSplitRecipients(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"a@x.com,b@y.com", []string{"a@x.com", "b@y.com"}},
		{" a@x.com , b@y.com ", []string{"a@x.com", "b@y.com"}},
		{"a@x.com,,", []string{"a@x.com"}},
		{"", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SplitRecipients(tt.in), tt.in)
	}
}

func TestParseFlags(t *testing.T) {
	f, err := ParseFlags([]string{"-u", "me@gmail.com", "-password", "pw", "-t", "a@x.com,b@y.com", "-j", "Invoice"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "me@gmail.com", f.Username)
	assert.Equal(t, "pw", f.Password)
	assert.Equal(t, "a@x.com,b@y.com", f.To)
	assert.Equal(t, "Invoice", f.Subject)
	assert.Empty(t, f.Folder)

	_, err = ParseFlags([]string{"-unknown"}, io.Discard)
	assert.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(&Flags{Username: "me@gmail.com", Password: "pw", To: "a@x.com"})
	require.NoError(t, err)

	assert.Equal(t, "INBOX", cfg.Folder)
	assert.Equal(t, []string{"a@x.com"}, cfg.Recipients)
	assert.Equal(t, "imap.gmail.com", cfg.IMAPHost)
	assert.Equal(t, 993, cfg.IMAPPort)
	assert.Equal(t, "smtp.gmail.com", cfg.SMTPHost)
	assert.Equal(t, 587, cfg.SMTPPort)
	assert.Equal(t, 10*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.IMAPTimeout)
	assert.Equal(t, time.Minute, cfg.SMTPTimeout)
	assert.Equal(t, RetryPolicy{Interval: 30 * time.Second, Attempts: 20}, cfg.ConnectRetry)
	assert.Equal(t, RetryPolicy{Interval: 30 * time.Second, Attempts: 20}, cfg.SendRetry)
	assert.Empty(t, cfg.SenderPattern)
	assert.Empty(t, cfg.StatusAddr)
}

func TestLoad_MissingCredentials(t *testing.T) {
	clearEnv(t)

	_, err := Load(&Flags{Username: "me@gmail.com", To: "a@x.com"})
	assert.True(t, errors.Is(err, ErrMissingCredentials))

	_, err = Load(&Flags{Password: "pw", To: "a@x.com"})
	assert.True(t, errors.Is(err, ErrMissingCredentials))
}

func TestLoad_NoRecipients(t *testing.T) {
	clearEnv(t)

	_, err := Load(&Flags{Username: "me", Password: "pw", To: " , "})
	assert.True(t, errors.Is(err, ErrNoRecipients))
}

func TestLoad_InvalidRecipientKept(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(&Flags{Username: "me", Password: "pw", To: "not-an-address,b@y.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"not-an-address", "b@y.com"}, cfg.Recipients)
}

func TestLoad_Layering(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "forward.toml")
	err := os.WriteFile(path, []byte(`
username = "file-user"
password = "file-pass"
recipients = ["file@x.com"]
folder = "Receipts"
subject = "Invoice"

[imap]
host = "imap.example.com"
idle_timeout = "5m"
timeout = "45s"

[smtp]
port = 2525
rate = 0.5
timeout = "2m"

[connect_retry]
interval = "2s"
attempts = 3

[status]
addr = ":9090"

[alerts]
webhook_url = "https://hooks.example.com/relay"
`), 0o600)
	require.NoError(t, err)

	t.Setenv(envPrefix+"USERNAME", "env-user")
	t.Setenv(envPrefix+"SEND_RETRY_ATTEMPTS", "7")
	t.Setenv(envPrefix+"SMTP_TIMEOUT", "90s")
	t.Setenv(envPrefix+"CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(&Flags{ConfigFile: path, Folder: "Forwarded"})
	require.NoError(t, err)

	assert.Equal(t, "env-user", cfg.Username, "env overrides file")
	assert.Equal(t, "file-pass", cfg.Password)
	assert.Equal(t, []string{"file@x.com"}, cfg.Recipients)
	assert.Equal(t, "Forwarded", cfg.Folder, "flag overrides file")
	assert.Equal(t, "Invoice", cfg.SubjectPattern)
	assert.Equal(t, "imap.example.com", cfg.IMAPHost)
	assert.Equal(t, 993, cfg.IMAPPort)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 45*time.Second, cfg.IMAPTimeout)
	assert.Equal(t, 90*time.Second, cfg.SMTPTimeout, "env overrides file")
	assert.Equal(t, 2525, cfg.SMTPPort)
	assert.Equal(t, 0.5, cfg.SendRate)
	assert.Equal(t, RetryPolicy{Interval: 2 * time.Second, Attempts: 3}, cfg.ConnectRetry)
	assert.Equal(t, RetryPolicy{Interval: 30 * time.Second, Attempts: 7}, cfg.SendRetry)
	assert.Equal(t, ":9090", cfg.StatusAddr)
	assert.Equal(t, "https://hooks.example.com/relay", cfg.AlertWebhookURL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
}

func TestLoad_BadDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv(envPrefix+"IDLE_TIMEOUT", "ten minutes")

	_, err := Load(&Flags{Username: "me", Password: "pw", To: "a@x.com"})
	assert.Error(t, err)
}

func TestLoad_SealedPassword(t *testing.T) {
	clearEnv(t)
	const passphrase = "a passphrase of decent length"

	s, err := crypto.NewSealer(passphrase)
	require.NoError(t, err)
	sealed, err := s.Seal("app-password")
	require.NoError(t, err)

	_, err = Load(&Flags{Username: "me", Password: sealed, To: "a@x.com"})
	assert.True(t, errors.Is(err, crypto.ErrNoPassphrase))

	t.Setenv(envPrefix+"SECRET_KEY", passphrase)
	cfg, err := Load(&Flags{Username: "me", Password: sealed, To: "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, "app-password", cfg.Password)
}
