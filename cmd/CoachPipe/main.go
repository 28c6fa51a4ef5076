package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/BTreeMap/CoachPipe/internal/api"
	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CoachPipe/internal/util"
	"github.com/BTreeMap/CoachPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CoachPipe state data
	DefaultStateDir = api.DefaultStateDir
	// DefaultAppDBFileName is the SQLite file holding conversation state
	DefaultAppDBFileName = "coachpipe.db"
	// DefaultWhatsAppDBFileName is the SQLite file holding the WhatsApp session
	DefaultWhatsAppDBFileName = "whatsapp.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	waOpts := buildWhatsAppOptions(flags)
	twilioOpts := buildTwilioOptions(flags)
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(flags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping CoachPipe with configured modules")
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "twilio", len(twilioOpts), "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	if err := api.Run(ctx, waOpts, twilioOpts, storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("CoachPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CoachPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	WhatsAppDBDSN    string
	ApplicationDBDSN string
	OpenAIKey        string
	OpenAIBaseURL    string
	OpenAIModel      string
	OpenAITemp       float64
	OpenAITimeout    time.Duration
	OpenAIMaxTokens  int
	OpenAIRateLimit  float64
	CoachConfig      string
	APIAddr          string
	UseTwilio        bool
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	TwilioWebhookURL string
	MaxTurns         int
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	waDBDSN       *string
	appDBDSN      *string
	openaiKey     *string
	openaiBaseURL *string
	openaiModel   *string
	openaiTemp    *float64
	openaiTimeout *time.Duration
	openaiTokens  *int
	openaiRate    *float64
	coachConfig   *string
	apiAddr       *string
	useTwilio     *bool
	twilioWebhook *string
	maxTurns      *int

	// Credentials are taken from the environment only.
	twilioSID   string
	twilioToken string
	twilioFrom  string
}

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
		StateDir:         util.FirstEnv("COACHPIPE_STATE_DIR"),
		WhatsAppDBDSN:    util.FirstEnv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN: util.FirstEnv("DATABASE_DSN", "DATABASE_URL"),
		OpenAIKey:        util.FirstEnv("OPENAI_API_KEY"),
		OpenAIBaseURL:    util.FirstEnv("OPENAI_BASE_URL"),
		OpenAIModel:      util.FirstEnv("OPENAI_MODEL"),
		OpenAITemp:       util.ParseFloatEnv("OPENAI_TEMPERATURE", genai.DefaultTemperature),
		OpenAITimeout:    util.ParseDurationEnv("OPENAI_TIMEOUT", genai.DefaultTimeout),
		OpenAIMaxTokens:  util.ParseIntEnv("OPENAI_MAX_TOKENS", 0),
		OpenAIRateLimit:  util.ParseFloatEnv("OPENAI_RATE_LIMIT", 0),
		CoachConfig:      util.FirstEnv("COACH_CONFIG"),
		APIAddr:          util.FirstEnv("API_ADDR"),
		UseTwilio:        util.ParseBoolEnv("USE_TWILIO", false),
		TwilioSID:        util.FirstEnv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      util.FirstEnv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       util.FirstEnv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: util.FirstEnv("TWILIO_WEBHOOK_URL"),
		MaxTurns:         util.ParseIntEnv("MAX_CONCURRENT_TURNS", 0),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No COACHPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
	}

	slog.Debug("environment variables loaded",
		"COACHPIPE_STATE_DIR", config.StateDir,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"COACH_CONFIG", config.CoachConfig,
		"API_ADDR", config.APIAddr,
		"USE_TWILIO", config.UseTwilio,
		"TWILIO_WEBHOOK_URL_SET", config.TwilioWebhookURL != "")

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	return parseFlags(flag.CommandLine, os.Args[1:], config)
}

func parseFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		qrOutput:      fs.String("qr-output", "", "path to write login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for CoachPipe data (overrides $COACHPIPE_STATE_DIR)"),
		waDBDSN:       fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "WhatsApp session database DSN (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:      fs.String("db-dsn", config.ApplicationDBDSN, "conversation state database DSN (overrides $DATABASE_DSN or $DATABASE_URL)"),
		openaiKey:     fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiBaseURL: fs.String("openai-base-url", config.OpenAIBaseURL, "OpenAI-compatible API base URL (overrides $OPENAI_BASE_URL)"),
		openaiModel:   fs.String("openai-model", config.OpenAIModel, "chat model name (overrides $OPENAI_MODEL)"),
		openaiTemp:    fs.Float64("openai-temperature", config.OpenAITemp, "sampling temperature (overrides $OPENAI_TEMPERATURE)"),
		openaiTimeout: fs.Duration("openai-timeout", config.OpenAITimeout, "per-call timeout for the model (overrides $OPENAI_TIMEOUT)"),
		openaiTokens:  fs.Int("openai-max-tokens", config.OpenAIMaxTokens, "completion token cap, 0 for none (overrides $OPENAI_MAX_TOKENS)"),
		openaiRate:    fs.Float64("openai-rate-limit", config.OpenAIRateLimit, "model requests per second, 0 for unlimited (overrides $OPENAI_RATE_LIMIT)"),
		coachConfig:   fs.String("coach-config", config.CoachConfig, "YAML file with coaching settings (overrides $COACH_CONFIG)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		useTwilio:     fs.Bool("twilio", config.UseTwilio, "use the Twilio WhatsApp API instead of a direct connection (overrides $USE_TWILIO)"),
		twilioWebhook: fs.String("twilio-webhook-url", config.TwilioWebhookURL, "public webhook URL used to verify Twilio signatures (overrides $TWILIO_WEBHOOK_URL)"),
		maxTurns:      fs.Int("max-concurrent-turns", config.MaxTurns, "maximum inbound utterances processed at once, 0 for the default (overrides $MAX_CONCURRENT_TURNS)"),
		twilioSID:     config.TwilioSID,
		twilioToken:   config.TwilioToken,
		twilioFrom:    config.TwilioFrom,
	}

	if err := fs.Parse(args); err != nil {
		slog.Error("failed to parse flags", "error", err)
	}

	// Default DSNs follow an overridden state directory unless they were set explicitly.
	if *flags.stateDir != config.StateDir {
		if *flags.appDBDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.appDBDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if *flags.waDBDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.waDBDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
		slog.Debug("state directory overridden by flag", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"appDBDSN_set", *flags.appDBDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"useTwilio", *flags.useTwilio)

	return flags
}

// ensureDirectoriesExist creates the parent directories of file-based databases.
func ensureDirectoriesExist(flags Flags) error {
	for _, dsn := range []string{*flags.appDBDSN, *flags.waDBDSN} {
		path := sqlitePath(dsn)
		if path == "" {
			continue
		}
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// sqlitePath returns the file path inside a SQLite DSN, or "" for PostgreSQL and in-memory DSNs.
func sqlitePath(dsn string) string {
	if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
		return ""
	}
	path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
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
	if *flags.waDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDBDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio client options; unset values fall back to the client's env lookup.
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if flags.twilioSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(flags.twilioSID))
	}
	if flags.twilioToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(flags.twilioToken))
	}
	if flags.twilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(flags.twilioFrom))
	}
	return opts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	dsn := *flags.appDBDSN
	switch {
	case dsn == "":
		slog.Debug("No database DSN provided, will use in-memory store")
	case store.DetectDSNType(dsn) == "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		storeOpts = append(storeOpts, store.WithPostgresDSN(dsn))
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(dsn))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(*flags.openaiBaseURL))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	genaiOpts = append(genaiOpts,
		genai.WithTemperature(*flags.openaiTemp),
		genai.WithTimeout(*flags.openaiTimeout),
	)
	if *flags.openaiTokens > 0 {
		genaiOpts = append(genaiOpts, genai.WithMaxCompletionTokens(int64(*flags.openaiTokens)))
	}
	if *flags.openaiRate > 0 {
		genaiOpts = append(genaiOpts, genai.WithRateLimit(rate.Limit(*flags.openaiRate), 1))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithStateDir(*flags.stateDir),
		api.WithTwilio(*flags.useTwilio),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.coachConfig != "" {
		apiOpts = append(apiOpts, api.WithCoachConfig(*flags.coachConfig))
	}
	if *flags.twilioWebhook != "" {
		apiOpts = append(apiOpts, api.WithTwilioWebhookURL(*flags.twilioWebhook))
	}
	if *flags.maxTurns > 0 {
		apiOpts = append(apiOpts, api.WithMaxConcurrentTurns(int64(*flags.maxTurns)))
	}
	return apiOpts
}
