// Command loxconnectd wires CredentialStore, LoxClient, and
// ConnectOrchestrator around a SQLite-backed SettingsStore and a simulated
// TransportProvider, using an init/run/signal-wait shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/config"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/connect"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/credential"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/credstore"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/eventbus"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/fetch"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/loxauthority"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/loxclient"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/moat"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/settingsstore"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/transportprovider"
)

// Tag and Commit are filled at build time with -X linker flags.
var (
	Tag    = "unknown"
	Commit = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the loxconnectd config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging)
	log.Info().Str("tag", Tag).Str("commit", Commit).Msg("starting loxconnectd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("loxconnectd exited with an error")
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	settings, err := settingsstore.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	defer settings.Close()

	bus := eventbus.New()

	provider := transportprovider.New()

	authorityCh := fetch.New(cfg.LoxAuthority.BaseURL, cfg.LoxAuthority.APIKey, provider, cfg.LoxAuthorityFront(), nil, log)
	authority := loxauthority.New(authorityCh)

	moatCh := fetch.New(cfg.Moat.BaseURL, cfg.Moat.APIKey, provider, cfg.MoatFront(), nil, log)
	moatClient := moat.New(moatCh)

	store := credstore.New(settings, bus, log)
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("load credential store: %w", err)
	}

	// The real Lox cryptographic engine is out of scope for this module;
	// credential.UnavailableEngine fails every call, so each LoxClient
	// operation that reaches the engine returns ErrEngineUnavailable while
	// the rest of the wiring runs end-to-end against it.
	var engine credential.Engine = credential.UnavailableEngine{}

	client := loxclient.New(settings, store, engine, authority, bus, cfg.RefreshInterval, log)
	if err := client.Init(ctx); err != nil {
		return fmt.Errorf("init lox client: %w", err)
	}
	defer client.Uninit()

	orchestrator := connect.New(provider, moatClient, settings, bus, cfg.Connect.BuiltinTransports, log)
	if err := orchestrator.Init(ctx); err != nil {
		return fmt.Errorf("init connect orchestrator: %w", err)
	}
	defer orchestrator.Uninit()

	bus.Subscribe(eventbus.TopicStageChange, func(payload any) {
		log.Debug().Interface("snapshot", payload).Msg("stage-change")
	})
	bus.Subscribe(eventbus.TopicError, func(payload any) {
		log.Warn().Interface("error", payload).Msg("error")
	})

	log.Info().Msg("loxconnectd ready")
	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}
