package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/mkravets/nutricoach/internal/bot"
	"github.com/mkravets/nutricoach/internal/genai"
	"github.com/mkravets/nutricoach/internal/store"
	"github.com/mkravets/nutricoach/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for nutricoach state data
	DefaultStateDir = "/var/lib/nutricoach"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAppDBFileName is the default application database
	DefaultAppDBFileName = "nutricoach.db"
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
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	botOpts := buildBotOptions(flags)

	slog.Info("Bootstrapping nutricoach with configured modules")
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "store", len(storeOpts), "genai", len(genaiOpts), "bot", len(botOpts))
	if err := bot.Run(waOpts, storeOpts, genaiOpts, botOpts); err != nil {
		slog.Error("nutricoach failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("nutricoach exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir      string
	WhatsAppDBDSN string
	DatabaseDSN   string
	OpenAIKey     string
	Addr          string
	Channel       string
	FoodCountry   string
	FFmpegPath    string
	StaleAfter    string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	whatsappDBDSN *string
	appDBDSN      *string
	openaiKey     *string
	addr          *string
	channel       *string
	foodCountry   *string
	ffmpegPath    *string
	staleAfter    *string
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
		StateDir:      os.Getenv("NUTRICOACH_STATE_DIR"),
		WhatsAppDBDSN: os.Getenv("WHATSAPP_DB_DSN"),
		DatabaseDSN:   os.Getenv("DATABASE_DSN"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		Addr:          os.Getenv("BOT_ADDR"),
		Channel:       os.Getenv("MESSAGING_CHANNEL"),
		FoodCountry:   os.Getenv("FOOD_COUNTRY"),
		FFmpegPath:    os.Getenv("FFMPEG_PATH"),
		StaleAfter:    os.Getenv("PLAN_STALE_AFTER"),
	}

	// Legacy variable name support
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = os.Getenv("DATABASE_URL")
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No NUTRICOACH_STATE_DIR set, using default", "state_dir", config.StateDir)
	}

	// Default both databases to SQLite files in the state directory.
	// The whatsmeow session store needs foreign keys on.
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
	}

	slog.Debug("environment variables loaded",
		"NUTRICOACH_STATE_DIR", config.StateDir,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"BOT_ADDR", config.Addr,
		"MESSAGING_CHANNEL", config.Channel,
		"FOOD_COUNTRY", config.FoodCountry)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write login QR code"),
		numeric:       flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for nutricoach data (overrides $NUTRICOACH_STATE_DIR)"),
		whatsappDBDSN: flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "database DSN for the WhatsApp session store (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:      flag.String("db-dsn", config.DatabaseDSN, "database DSN for the application store (overrides $DATABASE_DSN or $DATABASE_URL)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		addr:          flag.String("addr", config.Addr, "health/webhook server address (overrides $BOT_ADDR)"),
		channel:       flag.String("channel", config.Channel, "messaging channel, whatsapp or twilio (overrides $MESSAGING_CHANNEL)"),
		foodCountry:   flag.String("food-country", config.FoodCountry, "preferred country for food lookups (overrides $FOOD_COUNTRY)"),
		ffmpegPath:    flag.String("ffmpeg-path", config.FFmpegPath, "ffmpeg binary for voice note conversion (overrides $FFMPEG_PATH)"),
		staleAfter:    flag.String("plan-stale-after", config.StaleAfter, "duration after which a stuck plan generation is reset (overrides $PLAN_STALE_AFTER)"),
	}

	flag.Parse()

	// Follow an overridden state directory when the DSNs still point at
	// the defaults derived from the old one.
	if *flags.whatsappDBDSN == config.WhatsAppDBDSN && *flags.stateDir != config.StateDir {
		*flags.whatsappDBDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	if *flags.appDBDSN == config.DatabaseDSN && *flags.stateDir != config.StateDir {
		*flags.appDBDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"whatsappDBDSN_set", *flags.whatsappDBDSN != "",
		"appDBDSN_set", *flags.appDBDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"addr", *flags.addr,
		"channel", *flags.channel)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	for _, dsn := range []string{*flags.whatsappDBDSN, *flags.appDBDSN} {
		if store.DetectDSNType(dsn) == store.DSNTypePostgres {
			continue
		}
		path := sqliteFilePath(dsn)
		dir := filepath.Dir(path)
		slog.Debug("Creating state directory for file-based database", "state_dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// sqliteFilePath strips the file: prefix and query options from a
// SQLite DSN, leaving the filesystem path.
func sqliteFilePath(dsn string) string {
	path := dsn
	if len(path) > 5 && path[:5] == "file:" {
		path = path[5:]
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '?' {
			return path[:i]
		}
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
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.appDBDSN != "" {
		storeOpts = append(storeOpts, store.WithDSN(*flags.appDBDSN))
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildBotOptions constructs bot configuration options
func buildBotOptions(flags Flags) []bot.Option {
	var botOpts []bot.Option
	if *flags.addr != "" {
		botOpts = append(botOpts, bot.WithAddr(*flags.addr))
	}
	if *flags.channel != "" {
		botOpts = append(botOpts, bot.WithChannel(*flags.channel))
	}
	if *flags.foodCountry != "" {
		botOpts = append(botOpts, bot.WithFoodCountry(*flags.foodCountry))
	}
	if *flags.ffmpegPath != "" {
		botOpts = append(botOpts, bot.WithFFmpegPath(*flags.ffmpegPath))
	}
	if *flags.staleAfter != "" {
		if d, err := time.ParseDuration(*flags.staleAfter); err == nil && d > 0 {
			botOpts = append(botOpts, bot.WithStaleAfter(d))
		} else {
			slog.Warn("Ignoring invalid plan-stale-after value", "value", *flags.staleAfter)
		}
	}
	return botOpts
}
