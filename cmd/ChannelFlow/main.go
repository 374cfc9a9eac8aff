package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/ChannelFlow/internal/api"
	"github.com/BTreeMap/ChannelFlow/internal/behavior"
	"github.com/BTreeMap/ChannelFlow/internal/behaviors/ask"
	"github.com/BTreeMap/ChannelFlow/internal/behaviors/checkin"
	"github.com/BTreeMap/ChannelFlow/internal/behaviors/reminder"
	"github.com/BTreeMap/ChannelFlow/internal/config"
	"github.com/BTreeMap/ChannelFlow/internal/engine"
	"github.com/BTreeMap/ChannelFlow/internal/genai"
	"github.com/BTreeMap/ChannelFlow/internal/lockfile"
	"github.com/BTreeMap/ChannelFlow/internal/messaging"
	"github.com/BTreeMap/ChannelFlow/internal/models"
	"github.com/BTreeMap/ChannelFlow/internal/scheduler"
	"github.com/BTreeMap/ChannelFlow/internal/store"
	"github.com/BTreeMap/ChannelFlow/internal/twiliowhatsapp"
	"github.com/BTreeMap/ChannelFlow/internal/util"
	"github.com/BTreeMap/ChannelFlow/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ChannelFlow state data
	DefaultStateDir = "/var/lib/channelflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "channelflow.db"
	// DefaultTransport reads and writes the terminal.
	DefaultTransport = "console"

	shutdownTimeout = 10 * time.Second
)

// Transports selectable with -transport.
const (
	TransportConsole  = "console"
	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
)

var errUnknownTransport = errors.New("unknown transport")

func main() {
	config := loadEnvironmentConfig()

	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)

	initializeLogger(*flags.logLevel)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ChannelFlow", "transport", *flags.transport, "state_dir", *flags.stateDir)
	if err := run(ctx, flags); err != nil {
		slog.Error("ChannelFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ChannelFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	DatabaseURL string
	WhatsAppDSN string
	Transport   string
	ConfigPath  string
	OpenAIKey   string
	OpenAIModel string
	APIAddr     string
	LogLevel    string
	TwilioSID   string
	TwilioToken string
	TwilioFrom  string
	GenAIDebug  bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	waDSN       *string
	transport   *string
	configPath  *string
	openaiKey   *string
	openaiModel *string
	genaiDebug  *bool
	apiAddr     *string
	logLevel    *string
	qrOutput    *string
	numeric     *bool
	twilioSID   *string
	twilioToken *string
	twilioFrom  *string
}

// initializeLogger sets up structured logging at the requested level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:    os.Getenv("CHANNELFLOW_STATE_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
		Transport:   util.EnvOr("CHANNELFLOW_TRANSPORT", DefaultTransport),
		ConfigPath:  os.Getenv("CHANNELFLOW_CONFIG"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: os.Getenv("OPENAI_MODEL"),
		APIAddr:     os.Getenv("API_ADDR"),
		LogLevel:    util.EnvOr("CHANNELFLOW_LOG_LEVEL", "info"),
		TwilioSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken: os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:  os.Getenv("TWILIO_FROM_NUMBER"),
		GenAIDebug:  util.ParseBoolEnv("GENAI_DEBUG", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CHANNELFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// Without a database URL, state lives in SQLite files under the state directory.
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = whatsAppFileDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"CHANNELFLOW_STATE_DIR", config.StateDir,
		"CHANNELFLOW_TRANSPORT", config.Transport,
		"CHANNELFLOW_CONFIG", config.ConfigPath,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses args with environment defaults.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		stateDir:    fs.String("state-dir", config.StateDir, "state directory for ChannelFlow data (overrides $CHANNELFLOW_STATE_DIR)"),
		dbDSN:       fs.String("db-dsn", config.DatabaseURL, "database DSN for the job and record store (overrides $DATABASE_URL)"),
		waDSN:       fs.String("whatsapp-dsn", config.WhatsAppDSN, "database DSN for the WhatsApp session store (overrides $WHATSAPP_DB_DSN)"),
		transport:   fs.String("transport", config.Transport, "messaging transport: console, whatsapp or twilio (overrides $CHANNELFLOW_TRANSPORT)"),
		configPath:  fs.String("config", config.ConfigPath, "path to the behavior configuration YAML (overrides $CHANNELFLOW_CONFIG)"),
		openaiKey:   fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel: fs.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		genaiDebug:  fs.Bool("genai-debug", config.GenAIDebug, "write GenAI calls to the state directory (overrides $GENAI_DEBUG)"),
		apiAddr:     fs.String("api-addr", config.APIAddr, "API server address, empty disables the API (overrides $API_ADDR)"),
		logLevel:    fs.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $CHANNELFLOW_LOG_LEVEL)"),
		qrOutput:    fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:     fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		twilioSID:   fs.String("twilio-account-sid", config.TwilioSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken: fs.String("twilio-auth-token", config.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:  fs.String("twilio-from", config.TwilioFrom, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)"),
	}

	if err := fs.Parse(args); err != nil {
		slog.Warn("parseCommandLineFlags: failed to parse flags", "error", err)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"transport", *flags.transport,
		"config", *flags.configPath,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"logLevel", *flags.logLevel)

	// Default file DSNs follow the state directory when only it was changed.
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
			slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
		}
		if *flags.waDSN == config.WhatsAppDSN && config.WhatsAppDSN == whatsAppFileDSN(config.StateDir) {
			*flags.waDSN = whatsAppFileDSN(*flags.stateDir)
		}
	}

	return flags
}

// whatsAppFileDSN is the default whatsmeow session database, which needs
// foreign keys enabled.
func whatsAppFileDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, whatsapp.DefaultDBFileName) + "?_foreign_keys=on"
}

func isFileDSN(dsn string) bool {
	return dsn != "" && store.DetectDSNType(dsn) != "postgres"
}

// filePath strips the sqlite URI decoration from a file DSN.
func filePath(dsn string) string {
	path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	return path
}

// ensureDirectoriesExist creates the state directory and the parents of
// file-based databases.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	for _, dsn := range []string{*flags.dbDSN, *flags.waDSN} {
		if isFileDSN(dsn) {
			dirs = append(dirs, filepath.Dir(filePath(dsn)))
		}
	}
	for _, dir := range dirs {
		slog.Debug("Creating state directory", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return nil
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
	}
	return storeOpts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if *flags.twilioSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(*flags.twilioSID))
	}
	if *flags.twilioToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(*flags.twilioToken))
	}
	if *flags.twilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFrom(*flags.twilioFrom))
	}
	return opts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	if *flags.genaiDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true, *flags.stateDir))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}

// transport is a started messaging service plus its optional webhook.
type transport struct {
	service messaging.Service
	twilio  *messaging.TwilioService
	close   func()
}

// buildTransport connects the messaging service selected by -transport.
func buildTransport(ctx context.Context, flags Flags) (transport, error) {
	switch strings.ToLower(*flags.transport) {
	case TransportConsole, "":
		return transport{service: messaging.NewConsoleService(os.Stdin, os.Stdout), close: func() {}}, nil
	case TransportWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return transport{}, fmt.Errorf("connect whatsapp: %w", err)
		}
		return transport{service: messaging.NewWhatsAppService(client), close: client.Disconnect}, nil
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(flags)...)
		if err != nil {
			return transport{}, fmt.Errorf("create twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return transport{service: svc, twilio: svc, close: func() {}}, nil
	default:
		return transport{}, fmt.Errorf("%w: %q", errUnknownTransport, *flags.transport)
	}
}

// buildBehaviors constructs the enabled behaviors in configured order.
func buildBehaviors(cfg config.Config) ([]behavior.Behavior, error) {
	var out []behavior.Behavior
	for _, name := range cfg.Behaviors {
		switch name {
		case config.BehaviorAsk:
			out = append(out, ask.New(cfg.Ask.SystemPrompt))
		case config.BehaviorReminder:
			out = append(out, reminder.New(cfg.Reminder.MaxMinutes))
		case config.BehaviorCheckin:
			iv, err := cfg.Checkin.Interval()
			if err != nil {
				return nil, fmt.Errorf("checkin interval: %w", err)
			}
			participants := make([]checkin.Participant, 0, len(cfg.Checkin.Participants))
			for _, p := range cfg.Checkin.Participants {
				participants = append(participants, checkin.Participant{User: p.User, Channel: p.Channel})
			}
			b, err := checkin.New(checkin.Options{
				Interval:          iv,
				Question:          cfg.Checkin.Question,
				Participants:      participants,
				EscalationChannel: models.ChannelID(cfg.Checkin.EscalationChannel),
				LowScoreThreshold: cfg.Checkin.LowScoreThreshold,
			})
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		default:
			slog.Warn("buildBehaviors: skipping unknown behavior", "name", name)
		}
	}
	return out, nil
}

func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	cfg := config.Default()
	if *flags.configPath != "" {
		if cfg, err = config.Load(*flags.configPath); err != nil {
			return err
		}
	}

	repo, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()

	deps := behavior.Dependencies{
		Repo: repo,
		Env:  map[string]string{"state_dir": *flags.stateDir},
	}
	if gen, err := genai.NewClient(buildGenAIOptions(flags)...); err != nil {
		slog.Warn("GenAI client unavailable, ask behavior will report errors", "error", err)
	} else {
		deps.GenAI = gen
	}

	tr, err := buildTransport(ctx, flags)
	if err != nil {
		return err
	}
	defer tr.close()

	d := engine.New(tr.service,
		engine.WithDependencies(deps),
		engine.WithCancelKeyword(cfg.Engine.CancelKeyword),
		engine.WithTexts(cfg.Engine.Texts),
		engine.WithSchedulerOptions(scheduler.WithRetryPolicy(cfg.Engine.Retry)),
	)
	defer d.Stop()

	behaviors, err := buildBehaviors(cfg)
	if err != nil {
		return err
	}
	for _, b := range behaviors {
		if err := d.Register(ctx, b); err != nil {
			return fmt.Errorf("register %s: %w", b.Name(), err)
		}
		slog.Info("Behavior registered", "name", b.Name())
	}

	var server *api.Server
	if *flags.apiAddr != "" {
		apiOpts := buildAPIOptions(flags)
		if tr.twilio != nil {
			apiOpts = append(apiOpts, api.WithTwilioWebhook(tr.twilio.WebhookHandler))
		}
		server = api.NewServer(d, apiOpts...)
		if err := server.Start(); err != nil {
			return fmt.Errorf("start api: %w", err)
		}
	}

	if err := tr.service.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	runErr := d.Run(ctx, tr.service.Inputs())
	slog.Info("Shutting down ChannelFlow")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown failed", "error", err)
		}
		cancel()
	}
	if err := tr.service.Stop(); err != nil {
		slog.Error("Transport shutdown failed", "error", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
