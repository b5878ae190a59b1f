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

	"github.com/fluxodesk/fluxodesk/internal/api"
	"github.com/fluxodesk/fluxodesk/internal/flow"
	"github.com/fluxodesk/fluxodesk/internal/genai"
	"github.com/fluxodesk/fluxodesk/internal/messaging"
	"github.com/fluxodesk/fluxodesk/internal/models"
	"github.com/fluxodesk/fluxodesk/internal/store"
	"github.com/fluxodesk/fluxodesk/internal/util"
	"github.com/fluxodesk/fluxodesk/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FluxoDesk state data
	DefaultStateDir = "/var/lib/fluxodesk"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "fluxodesk.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	messenger, err := buildMessenger(flags)
	if err != nil {
		slog.Error("Failed to initialize messaging transport", "error", err)
		os.Exit(1)
	}

	aiClient, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		slog.Error("Failed to initialize AI adapter", "error", err)
		os.Exit(1)
	}

	engine := flow.NewEngine(st, messenger, aiClient)
	server := api.NewServer(engine, buildAPIOptions(flags)...)

	if err := messenger.Start(ctx); err != nil {
		slog.Error("Failed to start messaging transport", "error", err)
		os.Exit(1)
	}
	defer messenger.Stop()
	go consumeTransportResponses(ctx, st, engine, messenger)

	slog.Info("Bootstrapping FluxoDesk flow engine",
		"transport", *flags.transport, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := server.Run(ctx); err != nil {
		slog.Error("FluxoDesk failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FluxoDesk exited successfully")
}

// consumeTransportResponses maps inbound transport messages onto the
// normalized event contract and feeds them to the engine, so the engine can
// run standalone against a live session. Contacts and conversations are
// created by external collaborators; unknown senders are logged and skipped.
func consumeTransportResponses(ctx context.Context, st store.Store, engine *flow.Engine, messenger messaging.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-messenger.Responses():
			if !ok {
				return
			}
			contact, err := st.GetContactByPhone(resp.From)
			if err != nil {
				slog.Debug("Inbound message from unknown contact, skipping", "from", resp.From, "error", err)
				continue
			}
			conv, err := st.GetConversationByContact(contact.ID)
			if err != nil {
				slog.Debug("No open conversation for contact, skipping", "contact", contact.ID, "error", err)
				continue
			}
			result := engine.HandleInbound(ctx, models.InboundEvent{
				ConversationID: conv.ID,
				MessageContent: resp.Body,
				ContactPhone:   resp.From,
				ConnectionID:   conv.ConnectionID,
				MessageID:      resp.MessageID,
			})
			slog.Debug("Transport event handled", "conversation", conv.ID, "success", result.Success, "message", result.Message)
		}
	}
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	WhatsAppDSN string
	StateDir    string
	OpenAIKey   string
	APIAddr     string
	Transport   string
	NumericCode bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput  *string
	numeric   *bool
	stateDir  *string
	dbDSN     *string
	waDSN     *string
	openaiKey *string
	apiAddr   *string
	transport *string
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
		DatabaseURL: os.Getenv("DATABASE_URL"),
		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:    os.Getenv("FLUXODESK_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
		Transport:   os.Getenv("MESSAGING_TRANSPORT"),
		NumericCode: util.ParseBoolEnv("NUMERIC_LOGIN_CODE", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FLUXODESK_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
	}
	if config.Transport == "" {
		config.Transport = "whatsapp"
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"FLUXODESK_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"MESSAGING_TRANSPORT", config.Transport)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:  flag.String("qr-output", "", "path to write login QR code"),
		numeric:   flag.Bool("numeric-code", config.NumericCode, "use numeric login code instead of QR code (overrides $NUMERIC_LOGIN_CODE)"),
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for FluxoDesk data (overrides $FLUXODESK_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN for the engine store (overrides $DATABASE_URL)"),
		waDSN:     flag.String("wa-db-dsn", config.WhatsAppDSN, "database DSN for the WhatsApp session store (overrides $WHATSAPP_DB_DSN)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "gateway API key (overrides $OPENAI_API_KEY)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		transport: flag.String("transport", config.Transport, "messaging transport: whatsapp or twilio (overrides $MESSAGING_TRANSPORT)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"waDSN_set", *flags.waDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"transport", *flags.transport)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	for _, dsn := range []string{*flags.dbDSN, *flags.waDSN} {
		if store.DetectDSNType(dsn) == "postgres" {
			continue
		}
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
			return err
		}
	}
	return nil
}

// buildStore constructs the engine store matching the configured DSN.
func buildStore(flags Flags) (store.Store, error) {
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildMessenger constructs the configured outbound transport.
func buildMessenger(flags Flags) (messaging.Service, error) {
	switch strings.ToLower(*flags.transport) {
	case "twilio":
		return messaging.NewTwilioService()
	default:
		client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, err
		}
		return messaging.NewWhatsAppService(client), nil
	}
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

// buildGenAIOptions constructs AI adapter configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
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
