package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/naookko/EmotiTrack/internal/api"
	"github.com/naookko/EmotiTrack/internal/flow"
	"github.com/naookko/EmotiTrack/internal/scheduler"
	"github.com/naookko/EmotiTrack/internal/util"
	"github.com/naookko/EmotiTrack/internal/webhook"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for EmotiTrack state data
	DefaultStateDir = "/var/lib/emotitrack"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "emotitrack.db"
	// MemoryDSN selects the in-memory store
	MemoryDSN = "memory"
)

// Messaging providers.
const (
	ProviderCloud  = "cloud"
	ProviderTwilio = "twilio"
)

// Config holds the serve configuration. Environment values are the flag defaults.
type Config struct {
	WhatsAppToken string
	PhoneNumberID string
	VerifyToken   string
	BackendURL    string
	Provider      string
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	TwilioHookURL string
	StateDir      string
	DBDSN         string
	APIAddr       string
	FlowsDir      string
	CycleDuration time.Duration
	DefaultWaID   string
	SendTimeout   time.Duration
	PruneSchedule string
}

// loadEnvironmentConfig reads the configuration from the environment.
func loadEnvironmentConfig() Config {
	config := Config{
		WhatsAppToken: os.Getenv("WHATSAPP_TOKEN"),
		PhoneNumberID: os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
		VerifyToken:   os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		BackendURL:    os.Getenv("URL_CHAT_BOT_API"),
		Provider:      util.StringEnv(ProviderCloud, "MESSAGING_PROVIDER"),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioHookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		StateDir:      util.StringEnv(DefaultStateDir, "EMOTITRACK_STATE_DIR"),
		DBDSN:         util.StringEnv("", "DATABASE_DSN", "DATABASE_URL"),
		APIAddr:       util.StringEnv(api.DefaultAddr, "API_ADDR"),
		FlowsDir:      os.Getenv("FLOWS_DIR"),
		CycleDuration: util.ParseDurationEnv("CYCLE_DURATION", webhook.DefaultCycleDuration),
		DefaultWaID:   util.StringEnv(webhook.DefaultWaID, "DEFAULT_WA_ID"),
		SendTimeout:   util.ParseDurationEnv("SEND_TIMEOUT", flow.DefaultSendTimeout),
		PruneSchedule: util.StringEnv(scheduler.DefaultPruneSchedule, "DEDUP_PRUNE_SCHEDULE"),
	}

	slog.Debug("environment variables loaded",
		"WHATSAPP_TOKEN_SET", config.WhatsAppToken != "",
		"WHATSAPP_PHONE_NUMBER_ID_SET", config.PhoneNumberID != "",
		"WHATSAPP_VERIFY_TOKEN_SET", config.VerifyToken != "",
		"URL_CHAT_BOT_API", config.BackendURL,
		"MESSAGING_PROVIDER", config.Provider,
		"TWILIO_WEBHOOK_URL", config.TwilioHookURL,
		"EMOTITRACK_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DBDSN != "",
		"API_ADDR", config.APIAddr,
		"FLOWS_DIR", config.FlowsDir,
		"CYCLE_DURATION", config.CycleDuration,
		"SEND_TIMEOUT", config.SendTimeout,
		"DEDUP_PRUNE_SCHEDULE", config.PruneSchedule)
	return config
}

// serverOptions returns the API server options for the configured provider.
func (c Config) serverOptions() []api.Option {
	opts := []api.Option{api.WithAddr(c.APIAddr), api.WithVerifyToken(c.VerifyToken)}
	if c.Provider == ProviderTwilio {
		if c.TwilioHookURL == "" {
			slog.Warn("Twilio webhook URL not set, Twilio signatures will not be checked")
		}
		opts = append(opts, api.WithTwilioSignature(c.TwilioToken, c.TwilioHookURL))
	}
	return opts
}

// bindServeFlags registers the serve flags on cmd with cfg values as defaults.
func bindServeFlags(cmd *cobra.Command, cfg *Config) {
	f := cmd.Flags()
	f.StringVar(&cfg.WhatsAppToken, "whatsapp-token", cfg.WhatsAppToken, "WhatsApp Cloud API token (overrides $WHATSAPP_TOKEN)")
	f.StringVar(&cfg.PhoneNumberID, "phone-number-id", cfg.PhoneNumberID, "WhatsApp Cloud API sender id (overrides $WHATSAPP_PHONE_NUMBER_ID)")
	f.StringVar(&cfg.VerifyToken, "verify-token", cfg.VerifyToken, "webhook verification token (overrides $WHATSAPP_VERIFY_TOKEN)")
	f.StringVar(&cfg.BackendURL, "backend-url", cfg.BackendURL, "scoring backend base URL (overrides $URL_CHAT_BOT_API)")
	f.StringVar(&cfg.Provider, "provider", cfg.Provider, "messaging provider: cloud or twilio (overrides $MESSAGING_PROVIDER)")
	f.StringVar(&cfg.TwilioHookURL, "twilio-webhook-url", cfg.TwilioHookURL, "public webhook URL signed by Twilio, enables signature checks (overrides $TWILIO_WEBHOOK_URL)")
	f.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for EmotiTrack data (overrides $EMOTITRACK_STATE_DIR)")
	f.StringVar(&cfg.DBDSN, "db-dsn", cfg.DBDSN, "SQLite path, Postgres DSN or \"memory\" (overrides $DATABASE_DSN or $DATABASE_URL)")
	f.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	f.StringVar(&cfg.FlowsDir, "flows-dir", cfg.FlowsDir, "directory of flow documents, built-in flows when empty (overrides $FLOWS_DIR)")
	f.DurationVar(&cfg.CycleDuration, "cycle", cfg.CycleDuration, "questionnaire cycle length (overrides $CYCLE_DURATION)")
	f.StringVar(&cfg.DefaultWaID, "default-wa-id", cfg.DefaultWaID, "participant id used for events without one (overrides $DEFAULT_WA_ID)")
	f.DurationVar(&cfg.SendTimeout, "send-timeout", cfg.SendTimeout, "per-message dispatch timeout (overrides $SEND_TIMEOUT)")
	f.StringVar(&cfg.PruneSchedule, "prune-schedule", cfg.PruneSchedule, "cron schedule for pruning inbound dedup records (overrides $DEDUP_PRUNE_SCHEDULE)")
}

// resolveDSN returns the configured DSN, or a SQLite file in the state directory.
func (c Config) resolveDSN() string {
	if c.DBDSN != "" {
		return c.DBDSN
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// validate reports configuration errors that make serving impossible.
func (c Config) validate() error {
	var errs []error
	if strings.TrimSpace(c.BackendURL) == "" {
		errs = append(errs, errors.New("backend URL is required (--backend-url or $URL_CHAT_BOT_API)"))
	}
	switch c.Provider {
	case ProviderCloud:
		if c.WhatsAppToken == "" {
			errs = append(errs, errors.New("WhatsApp token is required for the cloud provider (--whatsapp-token or $WHATSAPP_TOKEN)"))
		}
		if c.PhoneNumberID == "" {
			errs = append(errs, errors.New("phone number id is required for the cloud provider (--phone-number-id or $WHATSAPP_PHONE_NUMBER_ID)"))
		}
	case ProviderTwilio:
		if c.TwilioSID == "" || c.TwilioToken == "" || c.TwilioFrom == "" {
			errs = append(errs, errors.New("the twilio provider needs $TWILIO_ACCOUNT_SID, $TWILIO_AUTH_TOKEN and $TWILIO_FROM_NUMBER"))
		}
		if c.TwilioHookURL != "" {
			if u, err := url.Parse(c.TwilioHookURL); err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, fmt.Errorf("twilio webhook URL %q must be an absolute URL", c.TwilioHookURL))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("unknown messaging provider %q", c.Provider))
	}
	if c.CycleDuration <= 0 {
		errs = append(errs, fmt.Errorf("cycle duration must be positive, got %s", c.CycleDuration))
	}
	if c.SendTimeout <= 0 {
		errs = append(errs, fmt.Errorf("send timeout must be positive, got %s", c.SendTimeout))
	}
	if err := scheduler.Validate(c.PruneSchedule); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
