package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Ltcbe/07N/app/irail-ingest/ingest"
	"github.com/Ltcbe/07N/business/data/journey"
	"github.com/Ltcbe/07N/business/irail"
	"github.com/Ltcbe/07N/foundation/database"
	"github.com/Ltcbe/07N/foundation/httpclient"
	"github.com/ardanlabs/conf"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

var build = "develop"

func main() {
	log := makeLogger("console", zerolog.InfoLevel)
	if err := run(log); err != nil {
		log.Error().Err(err).Msg("main: error")
		os.Exit(1)
	}
}

func run(log zerolog.Logger) error {
	var cfg struct {
		conf.Version
		Args conf.Args
		DB   struct {
			Driver       string `conf:"default:pgx"`
			User         string `conf:"default:postgres"`
			Password     string `conf:"default:postgres,noprint"`
			Host         string `conf:"default:0.0.0.0"`
			Name         string `conf:"default:postgres"`
			DisableTLS   bool   `conf:"default:true"`
			Path         string `conf:"default:irail.db"`
			MaxOpenConns int    `conf:"default:0"`
		}
		Irail struct {
			BaseURL     string        `conf:"default:https://api.irail.be"`
			Lang        string        `conf:"default:fr"`
			Timeout     time.Duration `conf:"default:20s"`
			RetryBase   time.Duration `conf:"default:1s"`
			MaxAttempts int           `conf:"default:5"`
			BatchSize   int           `conf:"default:4"`
			UserAgent   string        `conf:"default:irail-dashboard/1.0"`
		}
		Ingest struct {
			Interval             time.Duration `conf:"default:180s"`
			Stations             []string      `conf:"default:Bruxelles-Central"`
			TargetMode           string        `conf:"default:configured"`
			FinalizeStrategy     string        `conf:"default:arrival"`
			RequireDepartureTime bool          `conf:"default:true"`
			CatalogTTL           time.Duration `conf:"default:12h"`
			Disabled             bool          `conf:"default:false"`
		}
		Web struct {
			Port           int      `conf:"default:8000"`
			AllowedOrigins []string `conf:"default:*"`
		}
		NATS struct {
			Enabled bool   `conf:"default:false"`
			URL     string `conf:"default:nats://127.0.0.1:4222"`
			Subject string `conf:"default:irail-journeys"`
		}
		Log struct {
			Level  string `conf:"default:info"`
			Format string `conf:"default:console"`
		}
	}
	cfg.Version.SVN = build
	cfg.Version.Desc = "Poll iRail and consolidate train journeys for punctuality reports"

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env file: %w", err)
	}

	const prefix = "INGEST"
	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %w", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %w", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level))
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	log = makeLogger(cfg.Log.Format, level)

	strategy, err := irail.ParseFinalizeStrategy(cfg.Ingest.FinalizeStrategy)
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	targetMode, err := ingest.ParseTargetMode(cfg.Ingest.TargetMode)
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Info().Str("version", build).Msg("main: Started : Application initializing")
	defer log.Info().Msg("main: Completed")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Info().Msgf("main: Config :\n%v\n", out)

	// =========================================================================
	// Start Database

	log.Info().Str("driver", cfg.DB.Driver).Msg("main: Initializing database support")

	db, err := database.Open(database.Config{
		Driver:       cfg.DB.Driver,
		User:         cfg.DB.User,
		Password:     cfg.DB.Password,
		Host:         cfg.DB.Host,
		Name:         cfg.DB.Name,
		DisableTLS:   cfg.DB.DisableTLS,
		Path:         cfg.DB.Path,
		MaxOpenConns: cfg.DB.MaxOpenConns,
	})
	if err != nil {
		return fmt.Errorf("connecting to db: %w", err)
	}
	defer func() {
		log.Info().Msg("main: Database Stopping")
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("main: error closing database")
		}
	}()

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelSchema()
	if err = database.EnsureSchema(schemaCtx, db); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	// =========================================================================
	// Start NATS

	var events ingest.MessagePublisher
	if cfg.NATS.Enabled {
		log.Info().Str("url", cfg.NATS.URL).Msg("main: Connecting to NATS")
		natsConn, err := nats.Connect(cfg.NATS.URL, nats.Name("irail-ingest"))
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer natsConn.Close()
		events = natsConn
	}

	// =========================================================================
	// Start iRail client

	transport := http.DefaultTransport.(*http.Transport).Clone()
	defer transport.CloseIdleConnections()
	upstreamHTTP := &httpclient.Client{
		HTTP:        &http.Client{Transport: transport},
		UserAgent:   cfg.Irail.UserAgent,
		Timeout:     cfg.Irail.Timeout,
		MaxAttempts: cfg.Irail.MaxAttempts,
		BaseDelay:   cfg.Irail.RetryBase,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			log.Warn().Err(err).Int("attempt", attempt).Str("delay", delay.String()).Msg("retrying iRail request")
		},
	}
	client := irail.NewClient(upstreamHTTP, cfg.Irail.BaseURL, cfg.Irail.Lang)
	normalizer := irail.NewNormalizer(log, strategy, cfg.Ingest.RequireDepartureTime)
	store := journey.NewStore(log, db)

	scheduler := ingest.NewScheduler(log, ingest.Config{
		Interval:   cfg.Ingest.Interval,
		Stations:   cfg.Ingest.Stations,
		TargetMode: targetMode,
		BatchSize:  cfg.Irail.BatchSize,
		CatalogTTL: cfg.Ingest.CatalogTTL,
	}, client, normalizer, store, events, cfg.NATS.Subject)

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	ingest.StartServices(log, scheduler, store, ingest.WebConfig{
		Port:           cfg.Web.Port,
		AllowedOrigins: cfg.Web.AllowedOrigins,
	}, !cfg.Ingest.Disabled, shutdown)
	return nil
}

// makeLogger returns a logger writing json lines, or human readable lines for any other format
func makeLogger(format string, level zerolog.Level) zerolog.Logger {
	if strings.EqualFold(format, "json") {
		return zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "irail-ingest").Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
}
