package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/lorawan-server/lorawan-node/internal/api"
	"github.com/lorawan-server/lorawan-node/internal/clock"
	"github.com/lorawan-server/lorawan-node/internal/config"
	"github.com/lorawan-server/lorawan-node/internal/metrics"
	"github.com/lorawan-server/lorawan-node/internal/node"
	"github.com/lorawan-server/lorawan-node/internal/report"
	"github.com/lorawan-server/lorawan-node/internal/session"
	"github.com/lorawan-server/lorawan-node/internal/session/atmodem"
	"github.com/lorawan-server/lorawan-node/internal/session/simulated"
	"github.com/lorawan-server/lorawan-node/internal/storage"
	"github.com/lorawan-server/lorawan-node/pkg/crypto"
)

func main() {
	var (
		configFile   string
		validateOnly bool
		showConfig   bool
		simulate     bool
		logLevel     string
		hashPassword string
		genSecret    bool
	)
	pflag.StringVarP(&configFile, "config", "c", "config/node.yml", "Configuration file path")
	pflag.BoolVar(&validateOnly, "validate", false, "Validate configuration and exit")
	pflag.BoolVar(&showConfig, "show-config", false, "Print configuration summary and exit")
	pflag.BoolVar(&simulate, "simulate", false, "Use the simulated radio regardless of configuration")
	pflag.StringVar(&logLevel, "log-level", "", "Override the configured log level")
	pflag.StringVar(&hashPassword, "hash-password", "", "Print the bcrypt hash of a password for api.operator.password_hash and exit")
	pflag.BoolVar(&genSecret, "gen-secret", false, "Print a random jwt.secret and exit")
	pflag.Parse()

	if hashPassword != "" {
		hash, err := crypto.HashPassword(hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}
	if genSecret {
		secret, err := crypto.GenerateRandomString(32)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(secret)
		return
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", configFile).Msg("Failed to load configuration")
	}
	if simulate {
		cfg.Radio.Backend = config.BackendSimulated
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	setupLogging(cfg.Log)

	if validateOnly {
		fmt.Println("Configuration is valid")
		return
	}
	if showConfig {
		cfg.PrintConfigSummary()
		return
	}

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("Node controller stopped")
		os.Exit(1)
	}
	log.Info().Msg("Node controller stopped")
}

func setupLogging(cfg config.LogConfig) {
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if cfg.Format == "json" {
		out = os.Stderr
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("level", cfg.Level).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(cfg *config.Config) error {
	ctrlCfg, err := cfg.ControllerConfig()
	if err != nil {
		return err
	}
	devEUI := ctrlCfg.Join.DevEUI.String()
	clk := clock.Real()

	sess, closeSession, err := openSession(cfg, clk)
	if err != nil {
		return err
	}
	defer closeSession()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sinks, events, err := buildSinks(ctx, cfg, devEUI)
	if err != nil {
		return err
	}
	defer events.Close()
	defer func() {
		if err := sinks.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close event sinks")
		}
	}()

	eventCounter := metrics.NewEventCounter()
	sinks.Add(eventCounter)

	ctrl, err := node.New(ctrlCfg, sess, clk, sinks)
	if err != nil {
		return err
	}

	log.Info().
		Str("devEUI", devEUI).
		Str("backend", cfg.Radio.Backend).
		Str("mode", string(ctrl.Mode())).
		Str("region", cfg.Device.Region).
		Int("sinks", sinks.Len()).
		Msg("Starting node controller")

	var apiServer *api.RESTServer
	if cfg.API.Enabled {
		registry, err := metrics.NewRegistry(metrics.NewCollector(ctrl, devEUI), eventCounter)
		if err != nil {
			return fmt.Errorf("metrics registry: %w", err)
		}
		apiServer = api.NewRESTServer(cfg, ctrl, events, registry)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		if err := ctrl.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if apiServer != nil {
		g.Go(func() error {
			if err := apiServer.ListenAndServe(cfg.APIAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("REST API server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			if err := apiServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
			}
			return nil
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	g.Go(func() error {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	result := g.Wait()

	c := ctrl.Counters()
	log.Info().
		Uint32("messagesSent", c.MessagesSent).
		Uint32("confirmedAttempts", c.ConfirmedAttempts).
		Uint32("confirmedAcks", c.ConfirmedAcks).
		Float64("deliveryRatio", c.DeliveryRatio()).
		Msg("Final counters")

	return result
}

// openSession selects the radio backend. The returned func releases it.
func openSession(cfg *config.Config, clk clock.Clock) (session.Session, func(), error) {
	switch cfg.Radio.Backend {
	case config.BackendATModem:
		modem, err := atmodem.Open(session.RadioConfig{
			Port:            cfg.Radio.Serial.Port,
			BaudRate:        cfg.Radio.Serial.BaudRate,
			ResponseTimeout: cfg.Radio.Serial.ResponseTimeout,
		}, clk)
		if err != nil {
			return nil, nil, fmt.Errorf("open modem: %w", err)
		}
		return modem, func() {
			if err := modem.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close modem")
			}
		}, nil

	default:
		simCfg := cfg.SimulatorConfig()
		if node.Mode(cfg.Radio.Mode) == node.ModePreemptive {
			return simulated.NewPreemptive(clk, simCfg), func() {}, nil
		}
		return simulated.NewCooperative(clk, simCfg), func() {}, nil
	}
}

// buildSinks wires every enabled event sink. The returned store backs
// the API event listing.
func buildSinks(ctx context.Context, cfg *config.Config, devEUI string) (*report.Multi, storage.Store, error) {
	sinks := report.NewMulti(report.NewLogSink(log.Logger))

	var events storage.Store
	if cfg.Reporting.Store {
		pg, err := storage.NewPostgresStore(cfg.Database.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		pg.SetPoolLimits(cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		log.Info().Msg("Connected to database")
		events = pg
	} else {
		events = storage.NewMemoryStore(cfg.Reporting.MemoryEvents)
	}
	sinks.Add(report.NewStoreSink(events))

	if cfg.Reporting.NATS.Enabled {
		natsCfg := cfg.NATSSettings()
		nc, err := report.Connect(natsCfg, "lorawan-node-"+devEUI)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS reporting")
		} else {
			log.Info().Str("url", natsCfg.URL).Msg("Connected to NATS")
			sinks.Add(report.NewNATSSink(nc, natsCfg.SubjectPrefix))
		}
	}

	if cfg.Reporting.MQTT.Enabled {
		sink, err := report.NewMQTTSink(cfg.MQTTSettings())
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to MQTT broker, continuing without MQTT reporting")
		} else {
			sinks.Add(sink)
		}
	}

	if cfg.Reporting.Webhook.Enabled {
		sinks.Add(report.NewWebhookSink(cfg.WebhookSettings()))
	}

	return sinks, events, nil
}
