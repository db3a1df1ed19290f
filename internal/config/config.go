package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/badoux/checkmail"
	"github.com/rs/zerolog/log"

	"github.com/postfixrelay/imapforward/internal/crypto"
)

const envPrefix = "FORWARD_"

// ErrMissingCredentials is returned when the account username or password is absent
var ErrMissingCredentials = errors.New("username and password are required")

// ErrNoRecipients is returned when the recipient list is empty after splitting
var ErrNoRecipients = errors.New("at least one recipient is required")

// RetryPolicy is a fixed-interval, bounded retry budget
type RetryPolicy struct {
	Interval time.Duration
	Attempts int
}

// Config holds application configuration. It is not modified after Load.
type Config struct {
	// Account
	Username string
	Password string

	// Forwarding
	Recipients     []string
	Folder         string
	SenderPattern  string
	SubjectPattern string

	// Endpoints
	IMAPHost string
	IMAPPort int
	SMTPHost string
	SMTPPort int

	// Timing
	IdleTimeout  time.Duration
	IMAPTimeout  time.Duration
	SMTPTimeout  time.Duration
	ConnectRetry RetryPolicy
	SendRetry    RetryPolicy

	// Relay throughput
	SendRate  float64
	SendBurst int

	// Status API, disabled when StatusAddr is empty
	StatusAddr         string
	CORSAllowedOrigins []string

	// Failure alerts, disabled when AlertWebhookURL is empty
	AlertWebhookURL  string
	AlertWebhookAuth string

	// Passphrase for sealed passwords
	SecretKey string
}

// Defaults returns the configuration used when nothing else is set
func Defaults() *Config {
	return &Config{
		Folder:       "INBOX",
		IMAPHost:     "imap.gmail.com",
		IMAPPort:     993,
		SMTPHost:     "smtp.gmail.com",
		SMTPPort:     587,
		IdleTimeout:  10 * time.Minute,
		IMAPTimeout:  30 * time.Second,
		SMTPTimeout:  time.Minute,
		ConnectRetry: RetryPolicy{Interval: 30 * time.Second, Attempts: 20},
		SendRetry:    RetryPolicy{Interval: 30 * time.Second, Attempts: 20},
		SendRate:     1,
		SendBurst:    5,
	}
}

// Flags holds command-line values. Empty strings mean "not given".
type Flags struct {
	Username   string
	Password   string
	To         string
	Folder     string
	Sender     string
	Subject    string
	ConfigFile string
	Encrypt    string
}

// ParseFlags parses command-line arguments (without the program name)
func ParseFlags(args []string, output io.Writer) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("imapforward", flag.ContinueOnError)
	fs.SetOutput(output)

	stringVar := func(p *string, long, short, usage string) {
		fs.StringVar(p, long, "", usage)
		fs.StringVar(p, short, "", usage+" (shorthand)")
	}
	stringVar(&f.Username, "username", "u", "account username")
	stringVar(&f.Password, "password", "p", "account password or sealed enc: value")
	stringVar(&f.To, "to", "t", "comma-separated recipient addresses")
	stringVar(&f.Folder, "folder", "f", "folder to watch (default INBOX)")
	stringVar(&f.Sender, "sender", "s", "regular expression the From header must match")
	stringVar(&f.Subject, "subject", "j", "regular expression the Subject header must match")
	fs.StringVar(&f.ConfigFile, "config", "", "path to a TOML config file")
	fs.StringVar(&f.Encrypt, "encrypt", "", "print the sealed form of a secret and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// fileConfig mirrors the TOML layout; durations are Go duration strings
type fileConfig struct {
	Username   string   `toml:"username"`
	Password   string   `toml:"password"`
	Recipients []string `toml:"recipients"`
	Folder     string   `toml:"folder"`
	Sender     string   `toml:"sender"`
	Subject    string   `toml:"subject"`

	IMAP struct {
		Host        string `toml:"host"`
		Port        int    `toml:"port"`
		IdleTimeout string `toml:"idle_timeout"`
		Timeout     string `toml:"timeout"`
	} `toml:"imap"`

	SMTP struct {
		Host    string  `toml:"host"`
		Port    int     `toml:"port"`
		Rate    float64 `toml:"rate"`
		Burst   int     `toml:"burst"`
		Timeout string  `toml:"timeout"`
	} `toml:"smtp"`

	ConnectRetry retryFile `toml:"connect_retry"`
	SendRetry    retryFile `toml:"send_retry"`

	Status struct {
		Addr        string   `toml:"addr"`
		CORSOrigins []string `toml:"cors_origins"`
	} `toml:"status"`

	Alerts struct {
		WebhookURL    string `toml:"webhook_url"`
		Authorization string `toml:"authorization"`
	} `toml:"alerts"`
}

type retryFile struct {
	Interval string `toml:"interval"`
	Attempts int    `toml:"attempts"`
}

// Load builds the configuration from defaults, the TOML file, FORWARD_*
// environment variables and flags, each layer overriding the previous one.
func Load(flags *Flags) (*Config, error) {
	if flags == nil {
		flags = &Flags{}
	}
	cfg := Defaults()

	path := flags.ConfigFile
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyFlags(flags)

	if cfg.Username == "" || cfg.Password == "" {
		return nil, ErrMissingCredentials
	}
	if len(cfg.Recipients) == 0 {
		return nil, ErrNoRecipients
	}

	password, err := crypto.Resolve(cfg.Password, cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("security configuration error: %w", err)
	}
	cfg.Password = password

	for _, r := range cfg.Recipients {
		if err := checkmail.ValidateFormat(r); err != nil {
			log.Warn().Str("recipient", r).Msg("Recipient address looks invalid, delivery to it will fail")
		}
	}

	log.Info().
		Str("folder", cfg.Folder).
		Int("recipients", len(cfg.Recipients)).
		Bool("senderFilter", cfg.SenderPattern != "").
		Bool("subjectFilter", cfg.SubjectPattern != "").
		Msg("Configuration loaded successfully")
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return err
	}

	setString(&c.Username, fc.Username)
	setString(&c.Password, fc.Password)
	if len(fc.Recipients) > 0 {
		c.Recipients = SplitRecipients(strings.Join(fc.Recipients, ","))
	}
	setString(&c.Folder, fc.Folder)
	setString(&c.SenderPattern, fc.Sender)
	setString(&c.SubjectPattern, fc.Subject)

	setString(&c.IMAPHost, fc.IMAP.Host)
	setInt(&c.IMAPPort, fc.IMAP.Port)
	setString(&c.SMTPHost, fc.SMTP.Host)
	setInt(&c.SMTPPort, fc.SMTP.Port)
	if fc.SMTP.Rate > 0 {
		c.SendRate = fc.SMTP.Rate
	}
	setInt(&c.SendBurst, fc.SMTP.Burst)

	if err := setDuration(&c.IdleTimeout, fc.IMAP.IdleTimeout); err != nil {
		return fmt.Errorf("imap.idle_timeout: %w", err)
	}
	if err := setDuration(&c.IMAPTimeout, fc.IMAP.Timeout); err != nil {
		return fmt.Errorf("imap.timeout: %w", err)
	}
	if err := setDuration(&c.SMTPTimeout, fc.SMTP.Timeout); err != nil {
		return fmt.Errorf("smtp.timeout: %w", err)
	}
	if err := setDuration(&c.ConnectRetry.Interval, fc.ConnectRetry.Interval); err != nil {
		return fmt.Errorf("connect_retry.interval: %w", err)
	}
	setInt(&c.ConnectRetry.Attempts, fc.ConnectRetry.Attempts)
	if err := setDuration(&c.SendRetry.Interval, fc.SendRetry.Interval); err != nil {
		return fmt.Errorf("send_retry.interval: %w", err)
	}
	setInt(&c.SendRetry.Attempts, fc.SendRetry.Attempts)

	setString(&c.StatusAddr, fc.Status.Addr)
	if len(fc.Status.CORSOrigins) > 0 {
		c.CORSAllowedOrigins = fc.Status.CORSOrigins
	}
	setString(&c.AlertWebhookURL, fc.Alerts.WebhookURL)
	setString(&c.AlertWebhookAuth, fc.Alerts.Authorization)
	return nil
}

func (c *Config) applyEnv() error {
	c.Username = getEnv("USERNAME", c.Username)
	c.Password = getEnv("PASSWORD", c.Password)
	if to := getEnv("TO", ""); to != "" {
		c.Recipients = SplitRecipients(to)
	}
	c.Folder = getEnv("FOLDER", c.Folder)
	c.SenderPattern = getEnv("SENDER", c.SenderPattern)
	c.SubjectPattern = getEnv("SUBJECT", c.SubjectPattern)

	c.IMAPHost = getEnv("IMAP_HOST", c.IMAPHost)
	c.IMAPPort = getEnvInt("IMAP_PORT", c.IMAPPort)
	c.SMTPHost = getEnv("SMTP_HOST", c.SMTPHost)
	c.SMTPPort = getEnvInt("SMTP_PORT", c.SMTPPort)
	c.SendRate = getEnvFloat("SEND_RATE", c.SendRate)
	c.SendBurst = getEnvInt("SEND_BURST", c.SendBurst)
	c.ConnectRetry.Attempts = getEnvInt("CONNECT_RETRY_ATTEMPTS", c.ConnectRetry.Attempts)
	c.SendRetry.Attempts = getEnvInt("SEND_RETRY_ATTEMPTS", c.SendRetry.Attempts)

	var err error
	if c.IdleTimeout, err = getEnvDuration("IDLE_TIMEOUT", c.IdleTimeout); err != nil {
		return err
	}
	if c.IMAPTimeout, err = getEnvDuration("IMAP_TIMEOUT", c.IMAPTimeout); err != nil {
		return err
	}
	if c.SMTPTimeout, err = getEnvDuration("SMTP_TIMEOUT", c.SMTPTimeout); err != nil {
		return err
	}
	if c.ConnectRetry.Interval, err = getEnvDuration("CONNECT_RETRY_INTERVAL", c.ConnectRetry.Interval); err != nil {
		return err
	}
	if c.SendRetry.Interval, err = getEnvDuration("SEND_RETRY_INTERVAL", c.SendRetry.Interval); err != nil {
		return err
	}

	c.StatusAddr = getEnv("STATUS_ADDR", c.StatusAddr)
	if origins := getEnv("CORS_ORIGINS", ""); origins != "" {
		c.CORSAllowedOrigins = splitList(origins)
	}
	c.AlertWebhookURL = getEnv("ALERT_WEBHOOK_URL", c.AlertWebhookURL)
	c.AlertWebhookAuth = getEnv("ALERT_AUTHORIZATION", c.AlertWebhookAuth)
	c.SecretKey = getEnv("SECRET_KEY", c.SecretKey)
	return nil
}

func (c *Config) applyFlags(f *Flags) {
	setString(&c.Username, f.Username)
	setString(&c.Password, f.Password)
	if f.To != "" {
		c.Recipients = SplitRecipients(f.To)
	}
	setString(&c.Folder, f.Folder)
	setString(&c.SenderPattern, f.Sender)
	setString(&c.SubjectPattern, f.Subject)
}

// SplitRecipients splits a comma-delimited address list, trimming entries
// and dropping empty ones
func SplitRecipients(s string) []string {
	return splitList(s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Str("key", envPrefix+key).Str("value", value).Msg("Ignoring non-numeric environment value")
		return defaultValue
	}
	return i
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Warn().Str("key", envPrefix+key).Str("value", value).Msg("Ignoring non-numeric environment value")
		return defaultValue
	}
	return f
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return d, nil
}
