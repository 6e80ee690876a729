package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/solyn-app/solyn/internal/agents"
	"github.com/solyn-app/solyn/internal/api"
	"github.com/solyn-app/solyn/internal/classifier"
	"github.com/solyn-app/solyn/internal/contextloader"
	"github.com/solyn-app/solyn/internal/deferred"
	"github.com/solyn-app/solyn/internal/engine"
	"github.com/solyn-app/solyn/internal/genai"
	"github.com/solyn-app/solyn/internal/lockfile"
	"github.com/solyn-app/solyn/internal/messaging"
	"github.com/solyn-app/solyn/internal/store"
	"github.com/solyn-app/solyn/internal/telemetry"
	"github.com/solyn-app/solyn/internal/twiliowhatsapp"
	"github.com/solyn-app/solyn/internal/util"
	"github.com/solyn-app/solyn/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Solyn state data
	DefaultStateDir = "/var/lib/solyn"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "solyn.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(config, flags); err != nil {
		slog.Error("Solyn failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Solyn exited successfully")
}

// Config holds environment configuration.
type Config struct {
	DatabaseURL      string
	StateDir         string
	OpenAIKey        string
	APIAddr          string
	ConsentThreshold float64
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	WhatsAppEnabled  bool
	WhatsAppDSN      string
}

// Flags holds command line flag values.
type Flags struct {
	stateDir  *string
	dbDSN     *string
	openaiKey *string
	apiAddr   *string
	qrOutput  *string
	numeric   *bool
}

// initializeLogger sets up structured logging.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("SOLYN_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StateDir:         os.Getenv("SOLYN_STATE_DIR"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		APIAddr:          os.Getenv("API_ADDR"),
		ConsentThreshold: util.ParseFloatEnv("SOLYN_CONSENT_THRESHOLD", 0.55),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		WhatsAppEnabled:  util.ParseBoolEnv("SOLYN_WHATSAPP_ENABLED", false),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.APIAddr == "" {
		config.APIAddr = ":8080"
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"SOLYN_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"TWILIO_CONFIGURED", config.TwilioSID != "",
		"WHATSAPP_ENABLED", config.WhatsAppEnabled)
	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults.
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for Solyn data (overrides $SOLYN_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		qrOutput:  flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:   flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
	}
	flag.Parse()

	if *flags.dbDSN == config.DatabaseURL &&
		config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) &&
		*flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	return flags
}

// newStore opens the configured backend based on the DSN shape.
func newStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

func run(config Config, flags Flags) error {
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := newStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	genaiClient, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
	if err != nil {
		return err
	}

	sink := telemetry.NewChannelSink(256)
	defer sink.Close()

	consentCfg := deferred.DefaultConsentConfig()
	consentCfg.SignalConfidenceThreshold = config.ConsentThreshold

	agents.Register(agents.NewCompanion(genaiClient, st))
	agents.Register(agents.NewInvestigator(genaiClient))
	agents.Register(agents.NewSentry(genaiClient))
	agents.Register(agents.NewFirefighter(genaiClient))

	eng := engine.New(st, classifier.New(genaiClient), contextloader.NewLoader(st),
		engine.WithConsentConfig(consentCfg),
		engine.WithSink(sink),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var twilioSvc *messaging.TwilioService
	if config.TwilioSID != "" && config.TwilioToken != "" && config.TwilioFrom != "" {
		twilioClient, terr := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioSID),
			twiliowhatsapp.WithAuthToken(config.TwilioToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFrom),
		)
		if terr != nil {
			return terr
		}
		twilioSvc = messaging.NewTwilioService(twilioClient)
		defer twilioSvc.Stop()
		go messaging.NewDispatcher(twilioSvc, eng).Run(ctx)
		slog.Info("main: Twilio channel enabled")
	}

	if config.WhatsAppEnabled {
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsAppDSN)}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		waClient, werr := whatsapp.NewClient(waOpts...)
		if werr != nil {
			return werr
		}
		waSvc := messaging.NewWhatsAppService(waClient)
		if err := waSvc.Start(ctx); err != nil {
			return err
		}
		defer waSvc.Stop()
		go messaging.NewDispatcher(waSvc, eng).Run(ctx)
		slog.Info("main: WhatsApp channel enabled")
	}

	server := api.NewServer(eng, st, twilioSvc, api.WithAddr(*flags.apiAddr))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("main: shutting down", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	}
}
