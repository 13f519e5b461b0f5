package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/KefuPipe/internal/api"
	"github.com/BTreeMap/KefuPipe/internal/cursor"
	"github.com/BTreeMap/KefuPipe/internal/dispatch"
	"github.com/BTreeMap/KefuPipe/internal/engine"
	"github.com/BTreeMap/KefuPipe/internal/genai"
	"github.com/BTreeMap/KefuPipe/internal/lockfile"
	"github.com/BTreeMap/KefuPipe/internal/models"
	"github.com/BTreeMap/KefuPipe/internal/policy"
	"github.com/BTreeMap/KefuPipe/internal/scheduler"
	"github.com/BTreeMap/KefuPipe/internal/store"
	"github.com/BTreeMap/KefuPipe/internal/util"
	"github.com/BTreeMap/KefuPipe/internal/wecom"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for KefuPipe state data
	DefaultStateDir = "/var/lib/kefupipe"
	// DefaultPollSchedule polls every minute between webhook triggers
	DefaultPollSchedule = "*/1 * * * *"
	// DefaultShutdownTimeout bounds the graceful-shutdown window
	DefaultShutdownTimeout = 15 * time.Second
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// One connector per state directory: two processes sharing cursor files
	// would re-deliver or drop messages.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping KefuPipe with configured modules")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir,
		"dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr,
		"dm_policy", *flags.dmPolicy,
		"nats_url_set", *flags.natsURL != "",
		"poll_schedule", *flags.pollSchedule)

	if err := run(flags); err != nil {
		slog.Error("KefuPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("KefuPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	DatabaseURL    string
	CorpID         string
	CorpSecret     string
	CallbackToken  string
	EncodingAESKey string
	OpenAIKey      string
	NATSURL        string
	APIAddr        string
	DMPolicy       string
	DMAllowlist    string
	PollSchedule   string
}

// Flags holds command line flag values
type Flags struct {
	stateDir     *string
	dbDSN        *string
	corpID       *string
	corpSecret   *string
	cbToken      *string
	cbAESKey     *string
	openaiKey    *string
	natsURL      *string
	apiAddr      *string
	dmPolicy     *string
	dmAllowlist  *string
	pollSchedule *string
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
		StateDir:       os.Getenv("KEFUPIPE_STATE_DIR"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		CorpID:         os.Getenv("WECOM_CORP_ID"),
		CorpSecret:     os.Getenv("WECOM_CORP_SECRET"),
		CallbackToken:  os.Getenv("WECOM_CALLBACK_TOKEN"),
		EncodingAESKey: os.Getenv("WECOM_ENCODING_AES_KEY"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		NATSURL:        os.Getenv("NATS_URL"),
		APIAddr:        os.Getenv("API_ADDR"),
		DMPolicy:       os.Getenv("DM_POLICY"),
		DMAllowlist:    os.Getenv("DM_ALLOWLIST"),
		PollSchedule:   os.Getenv("POLL_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No KEFUPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DMPolicy == "" {
		config.DMPolicy = string(models.PolicyOpen)
	}
	if config.PollSchedule == "" {
		config.PollSchedule = DefaultPollSchedule
	}

	slog.Debug("environment variables loaded",
		"KEFUPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WECOM_CORP_ID_SET", config.CorpID != "",
		"WECOM_CORP_SECRET_SET", config.CorpSecret != "",
		"WECOM_CALLBACK_TOKEN_SET", config.CallbackToken != "",
		"WECOM_ENCODING_AES_KEY_SET", config.EncodingAESKey != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"NATS_URL_SET", config.NATSURL != "",
		"API_ADDR", config.APIAddr,
		"DM_POLICY", config.DMPolicy,
		"POLL_SCHEDULE", config.PollSchedule)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for KefuPipe data (overrides $KEFUPIPE_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "database DSN for the pairing store (overrides $DATABASE_URL)"),
		corpID:       flag.String("corp-id", config.CorpID, "WeCom corp id (overrides $WECOM_CORP_ID)"),
		corpSecret:   flag.String("corp-secret", config.CorpSecret, "WeCom corp secret (overrides $WECOM_CORP_SECRET)"),
		cbToken:      flag.String("callback-token", config.CallbackToken, "webhook callback token (overrides $WECOM_CALLBACK_TOKEN)"),
		cbAESKey:     flag.String("callback-aes-key", config.EncodingAESKey, "webhook EncodingAESKey (overrides $WECOM_ENCODING_AES_KEY)"),
		openaiKey:    flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for the agent responder (overrides $OPENAI_API_KEY)"),
		natsURL:      flag.String("nats-url", config.NATSURL, "NATS server URL for JetStream dispatch (overrides $NATS_URL)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "webhook server address (overrides $API_ADDR)"),
		dmPolicy:     flag.String("dm-policy", config.DMPolicy, "DM policy: open, disabled, allowlist, or pairing (overrides $DM_POLICY)"),
		dmAllowlist:  flag.String("dm-allowlist", config.DMAllowlist, "comma-separated sender allowlist (overrides $DM_ALLOWLIST)"),
		pollSchedule: flag.String("poll-schedule", config.PollSchedule, "cron expression for periodic sync (overrides $POLL_SCHEDULE)"),
	}

	flag.Parse()
	return flags
}

// run wires the modules together and serves until a shutdown signal arrives.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wecomClient, err := wecom.NewClient(
		wecom.WithCredentials(*flags.corpID, *flags.corpSecret),
		wecom.WithVoiceFormat(util.ParseIntEnv("SYNC_VOICE_FORMAT", 0)),
	)
	if err != nil {
		return err
	}

	crypto, err := wecom.NewCrypto(*flags.cbToken, *flags.cbAESKey, *flags.corpID)
	if err != nil {
		return err
	}

	cursors, err := cursor.NewFileStore(*flags.stateDir)
	if err != nil {
		return err
	}

	gate, closeStore, err := buildPolicyGate(flags, wecomClient)
	if err != nil {
		return err
	}
	defer closeStore()

	dispatcher, closeDispatch, err := buildDispatcher(flags, wecomClient)
	if err != nil {
		return err
	}
	defer closeDispatch()

	eng, err := engine.NewEngine(wecomClient, cursors, gate, dispatcher, buildEngineOptions()...)
	if err != nil {
		return err
	}
	// Drain in-flight cycles before the deferred closeDispatch tears down
	// the dispatcher; a cursor must never commit ahead of messages that
	// failed to dispatch into a closed connection.
	defer eng.Wait()

	sched := scheduler.NewScheduler(eng)
	defer sched.Stop()
	if util.ParseBoolEnv("POLL_DISABLED", false) {
		slog.Info("Periodic polling disabled, relying on webhook triggers only")
	} else if err := sched.StartPolling(ctx, *flags.pollSchedule); err != nil {
		return err
	}

	apiOpts := []api.Option{api.WithBaseContext(ctx)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server, err := api.NewServer(crypto, eng, sched, apiOpts...)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutdown signal received, draining in-flight work")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Webhook server shutdown failed", "error", err)
	}
	return nil
}

// buildPolicyGate constructs the DM policy gate, backing allowlist and
// pairing policies with a persistent store when a DSN is configured.
func buildPolicyGate(flags Flags, sender policy.Sender) (*policy.Gate, func(), error) {
	dmPolicy := models.DMPolicy(*flags.dmPolicy)
	if !models.IsValidDMPolicy(dmPolicy) {
		return nil, nil, models.ErrInvalidDMPolicy
	}

	gateOpts := []policy.Option{
		policy.WithPolicy(dmPolicy),
		policy.WithSender(sender),
	}
	if *flags.dmAllowlist != "" {
		gateOpts = append(gateOpts, policy.WithAllowlist(strings.Split(*flags.dmAllowlist, ",")))
	}

	closeStore := func() {}
	if dmPolicy == models.PolicyAllowlist || dmPolicy == models.PolicyPairing {
		pairingStore, closer, err := buildPairingStore(flags)
		if err != nil {
			return nil, nil, err
		}
		closeStore = closer
		gateOpts = append(gateOpts, policy.WithPairingStore(pairingStore))
	}

	gate, err := policy.NewGate(gateOpts...)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return gate, closeStore, nil
}

// buildPairingStore selects the pairing store backend from the DSN.
func buildPairingStore(flags Flags) (store.PairingStore, func(), error) {
	dsn := *flags.dbDSN
	if dsn == "" {
		slog.Debug("No database DSN provided, using in-memory pairing store")
		return store.NewInMemoryPairingStore(), func() {}, nil
	}

	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL pairing store")
		s, err := store.NewPostgresStore(store.WithPostgresDSN(dsn))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}

	slog.Debug("Detected SQLite DSN, configuring SQLite pairing store", "db_path", dsn)
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	if err != nil {
		return nil, nil, err
	}
	return s, func() { s.Close() }, nil
}

// buildDispatcher picks the host-runtime dispatcher: NATS JetStream when a
// server URL is configured, otherwise the in-process GenAI agent responder.
func buildDispatcher(flags Flags, sender dispatch.TextSender) (dispatch.Dispatcher, func(), error) {
	if *flags.natsURL != "" {
		nd, err := dispatch.NewNATSDispatcher(*flags.natsURL)
		if err != nil {
			return nil, nil, err
		}
		return nd, nd.Close, nil
	}

	genaiClient, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
	if err != nil {
		return nil, nil, err
	}
	slog.Info("No NATS URL configured, dispatching to in-process agent responder")
	return dispatch.NewAgentDispatcher(genaiClient, sender), func() {}, nil
}

// buildEngineOptions applies the tuning knobs from the environment.
func buildEngineOptions() []engine.Option {
	var opts []engine.Option
	if n := util.ParseIntEnv("DEDUP_CAPACITY", 0); n > 0 {
		opts = append(opts, engine.WithDedupCapacity(n))
	}
	if d := util.ParseDurationEnv("SYNC_STALE_THRESHOLD", 0); d > 0 {
		opts = append(opts, engine.WithStaleThreshold(d))
	}
	if n := util.ParseIntEnv("SYNC_LIMIT", 0); n > 0 {
		opts = append(opts, engine.WithSyncLimit(n))
	}
	return opts
}
