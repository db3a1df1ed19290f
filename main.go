package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/postfixrelay/imapforward/internal/alerts"
	"github.com/postfixrelay/imapforward/internal/api"
	"github.com/postfixrelay/imapforward/internal/config"
	"github.com/postfixrelay/imapforward/internal/crypto"
	"github.com/postfixrelay/imapforward/internal/filter"
	"github.com/postfixrelay/imapforward/internal/forwarder"
	"github.com/postfixrelay/imapforward/internal/mail"
	"github.com/postfixrelay/imapforward/internal/metrics"
	"github.com/postfixrelay/imapforward/internal/retry"
)

func main() {
	flags, err := config.ParseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	// Initialize logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("LOG_FORMAT") != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if flags.Encrypt != "" {
		if err := printSealed(flags.Encrypt); err != nil {
			log.Fatal().Err(err).Msg("Failed to seal secret")
		}
		return
	}

	log.Info().Msg("Starting imapforward")

	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracker := api.NewStatusTracker(0)
	observers := forwarder.Observers{
		forwarder.NewLogObserver(),
		metrics.Observer{},
		tracker,
	}

	if cfg.AlertWebhookURL != "" {
		notifier := alerts.NewNotifier(alerts.Config{
			URL:           cfg.AlertWebhookURL,
			Authorization: cfg.AlertWebhookAuth,
		})
		go notifier.Run(ctx)
		observers = append(observers, notifier)
	}

	var httpServer *http.Server
	if cfg.StatusAddr != "" {
		server := api.NewServer(api.Config{AllowedOrigins: cfg.CORSAllowedOrigins}, tracker)
		httpServer = &http.Server{
			Addr:         cfg.StatusAddr,
			Handler:      server.Router(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			log.Info().Str("addr", cfg.StatusAddr).Msg("Status server listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Status server failed")
			}
		}()
	}

	relay := mail.NewRelay(mail.RelayConfig{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Timeout:   cfg.SMTPTimeout,
		Retry:     retry.Fixed(cfg.SendRetry.Interval, cfg.SendRetry.Attempts),
		RateLimit: cfg.SendRate,
		Burst:     cfg.SendBurst,
	})

	dialCfg := mail.DialConfig{
		Host:     cfg.IMAPHost,
		Port:     cfg.IMAPPort,
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  cfg.IMAPTimeout,
	}
	dial := func(ctx context.Context) (forwarder.Mailbox, error) {
		session, err := mail.Dial(ctx, dialCfg)
		if err != nil {
			return nil, err
		}
		return session, nil
	}

	engine := filter.New(cfg.SenderPattern, cfg.SubjectPattern)
	if engine.Disabled() {
		log.Warn().Msg("A filter expression is invalid, every message will be rejected")
	}

	fwd := forwarder.New(forwarder.Config{
		Folder:       cfg.Folder,
		Recipients:   cfg.Recipients,
		IdleTimeout:  cfg.IdleTimeout,
		ConnectRetry: retry.Fixed(cfg.ConnectRetry.Interval, cfg.ConnectRetry.Attempts),
	}, dial, engine, relay, observers)

	if err := fwd.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Forwarder stopped")
	}

	log.Info().Msg("Shutting down...")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Status server forced to shutdown")
		}
	}

	log.Info().Msg("Stopped")
}

// printSealed prints the enc: form of secret using FORWARD_SECRET_KEY
func printSealed(secret string) error {
	sealer, err := crypto.NewSealer(os.Getenv("FORWARD_SECRET_KEY"))
	if err != nil {
		return fmt.Errorf("FORWARD_SECRET_KEY: %w", err)
	}
	sealed, err := sealer.Seal(secret)
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}
