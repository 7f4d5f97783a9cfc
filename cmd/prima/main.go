package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/risetaid/prima-sub007/internal/api"
	"github.com/risetaid/prima-sub007/internal/cache"
	"github.com/risetaid/prima-sub007/internal/classify"
	"github.com/risetaid/prima-sub007/internal/engine"
	"github.com/risetaid/prima-sub007/internal/genai"
	"github.com/risetaid/prima-sub007/internal/keywords"
	"github.com/risetaid/prima-sub007/internal/lockfile"
	"github.com/risetaid/prima-sub007/internal/messaging"
	"github.com/risetaid/prima-sub007/internal/ratelimit"
	"github.com/risetaid/prima-sub007/internal/scheduler"
	"github.com/risetaid/prima-sub007/internal/status"
	"github.com/risetaid/prima-sub007/internal/store"
	"github.com/risetaid/prima-sub007/internal/twiliowhatsapp"
	"github.com/risetaid/prima-sub007/internal/util"
	"github.com/risetaid/prima-sub007/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PRIMA state data
	DefaultStateDir = "/var/lib/prima"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "prima.db"
	// DefaultWhatsmeowDBFileName is the default whatsmeow session database filename
	DefaultWhatsmeowDBFileName = "whatsmeow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(config, flags); err != nil {
		slog.Error("PRIMA failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("PRIMA exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	WhatsAppDSN   string
	StateDir      string
	OpenAIKey     string
	OpenAIModel   string
	APIAddr       string
	RedisAddr     string
	UseTwilio     bool
	SweepSchedule string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput *string
	numeric  *bool
	stateDir *string
	dbDSN    *string
	apiAddr  *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		WhatsAppDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:      os.Getenv("PRIMA_STATE_DIR"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),
		APIAddr:       os.Getenv("API_ADDR"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		UseTwilio:     util.ParseBoolEnv("USE_TWILIO", true),
		SweepSchedule: os.Getenv("SWEEP_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No PRIMA_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// Default to SQLite in the state directory when no database URL is provided.
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	// The whatsmeow session store is separate from the application store.
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsmeowDBFileName)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"PRIMA_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"USE_TWILIO", config.UseTwilio,
		"SWEEP_SCHEDULE", config.SweepSchedule)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput: flag.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:  flag.Bool("numeric-code", false, "use a numeric WhatsApp login code instead of a QR code"),
		stateDir: flag.String("state-dir", config.StateDir, "state directory for PRIMA data (overrides $PRIMA_STATE_DIR)"),
		dbDSN:    flag.String("db-dsn", config.DatabaseURL, "database DSN for the application store (overrides $DATABASE_URL)"),
		apiAddr:  flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr)

	// Follow the state directory when the DSN was derived from the default.
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// run wires the modules together and blocks until shutdown.
func run(config Config, flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := buildStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	patientCache := buildCache(ctx, config)
	pipeline := buildClassificationPipeline(config)
	limiter := ratelimit.New(
		util.ParseIntEnv("RATE_LIMIT", ratelimit.DefaultLimit),
		util.ParseDurationEnv("RATE_LIMIT_WINDOW", ratelimit.DefaultWindow),
	)

	msgService, err := buildMessagingService(config, flags)
	if err != nil {
		return err
	}
	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer msgService.Stop()

	updater := status.NewStoreUpdater(st, patientCache)
	eng := engine.New(st, pipeline, limiter, msgService, updater, buildEngineConfig())

	listener := messaging.NewListener(msgService, eng)
	listener.Start(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	retention := util.ParseDurationEnv("SWEEP_RETENTION", scheduler.DefaultRetention)
	if err := sched.RegisterHousekeeping(st, limiter, config.SweepSchedule, retention); err != nil {
		return err
	}

	apiOpts := []api.Option{api.WithPatientCache(patientCache)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(eng, st, msgService, apiOpts...)

	slog.Info("PRIMA bootstrapped", "state_dir", *flags.stateDir, "channel", channelName(config.UseTwilio))
	return server.Run(ctx)
}

// buildStore selects the storage backend from the DSN.
func buildStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}

	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildCache returns the Redis-backed patient cache when REDIS_ADDR is set,
// otherwise a no-op cache.
func buildCache(ctx context.Context, config Config) cache.PatientCache {
	if config.RedisAddr == "" {
		slog.Debug("No REDIS_ADDR set, patient caching disabled")
		return cache.NewNoopCache()
	}

	ttl := util.ParseDurationEnv("CACHE_TTL", cache.DefaultTTL)
	redisCache, err := cache.NewRedisCache(ctx, config.RedisAddr, ttl)
	if err != nil {
		slog.Warn("Failed to connect to Redis, patient caching disabled", "error", err, "addr", config.RedisAddr)
		return cache.NewNoopCache()
	}
	slog.Info("Patient cache enabled", "addr", config.RedisAddr, "ttl", ttl)
	return redisCache
}

// buildClassificationPipeline assembles the two-stage response classifier.
// Without an OpenAI key the pipeline degrades to keyword matching only.
func buildClassificationPipeline(config Config) *classify.Pipeline {
	var classifier genai.Classifier
	if config.OpenAIKey != "" {
		genaiOpts := []genai.Option{genai.WithAPIKey(config.OpenAIKey)}
		if config.OpenAIModel != "" {
			genaiOpts = append(genaiOpts, genai.WithModel(config.OpenAIModel))
		}
		client, err := genai.NewClient(genaiOpts...)
		if err != nil {
			slog.Warn("Failed to initialize classifier, falling back to keyword matching", "error", err)
		} else {
			classifier = client
		}
	} else {
		slog.Info("No OPENAI_API_KEY set, classification uses keyword matching only")
	}

	timeout := util.ParseDurationEnv("CLASSIFIER_TIMEOUT", classify.DefaultClassifierTimeout)
	return classify.NewPipeline(classifier, keywords.NewDefaultMatcher(), timeout)
}

// buildMessagingService selects the delivery channel: Twilio by default, a
// direct whatsmeow connection when USE_TWILIO is false.
func buildMessagingService(config Config, flags Flags) (messaging.Service, error) {
	if config.UseTwilio {
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, err
		}
		slog.Info("Messaging channel configured", "channel", "twilio")
		return messaging.NewTwilioService(client), nil
	}

	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsAppDSN)}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	client, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, err
	}
	slog.Info("Messaging channel configured", "channel", "whatsapp")
	return messaging.NewWhatsAppService(client), nil
}

// buildEngineConfig reads the engine tuning parameters from the environment.
func buildEngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.ExpiryHorizon = util.ParseDurationEnv("CONTEXT_EXPIRY", engine.DefaultExpiryHorizon)
	cfg.ClarificationInterval = util.ParseDurationEnv("CLARIFICATION_INTERVAL", engine.DefaultClarificationInterval)
	cfg.SendTimeout = util.ParseDurationEnv("SEND_TIMEOUT", engine.DefaultSendTimeout)
	return cfg
}

func channelName(useTwilio bool) string {
	if useTwilio {
		return "twilio"
	}
	return "whatsapp"
}
