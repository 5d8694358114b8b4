package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/naookko/EmotiTrack/flows"
	"github.com/naookko/EmotiTrack/internal/api"
	"github.com/naookko/EmotiTrack/internal/backend"
	"github.com/naookko/EmotiTrack/internal/flow"
	"github.com/naookko/EmotiTrack/internal/lockfile"
	"github.com/naookko/EmotiTrack/internal/messaging"
	"github.com/naookko/EmotiTrack/internal/scheduler"
	"github.com/naookko/EmotiTrack/internal/store"
	"github.com/naookko/EmotiTrack/internal/twiliowhatsapp"
	"github.com/naookko/EmotiTrack/internal/webhook"
	"github.com/naookko/EmotiTrack/internal/whatsapp"
)

// dedupRetention is how long processed inbound message ids are kept.
const dedupRetention = 7 * 24 * time.Hour

func newServeCmd() *cobra.Command {
	cfg := loadEnvironmentConfig()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	bindServeFlags(cmd, &cfg)
	return cmd
}

func runServe(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	slog.Debug("Final configuration", "state_dir", cfg.StateDir, "dsn_type", dsnKind(cfg.resolveDSN()),
		"api_addr", cfg.APIAddr, "provider", cfg.Provider, "flows_dir", cfg.FlowsDir)

	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	defs, err := loadFlows(cfg.FlowsDir)
	if err != nil {
		return err
	}
	if err := requireFlows(defs, webhook.DefaultStartFlow, webhook.DefaultQuestionnaireFlow); err != nil {
		return err
	}

	st, err := openStore(cfg.resolveDSN())
	if err != nil {
		return err
	}
	defer st.Close()
	pruneDedup(st, time.Now())

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob("dedup-prune", cfg.PruneSchedule, func() { pruneDedup(st, time.Now()) }); err != nil {
		return err
	}

	sender, err := newMessagingService(cfg)
	if err != nil {
		return err
	}
	defer sender.Stop()

	be, err := backend.NewClient(backend.WithBaseURL(cfg.BackendURL))
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	wcfg := webhook.DefaultConfig()
	wcfg.DefaultWaID = cfg.DefaultWaID
	wcfg.CycleDuration = cfg.CycleDuration
	engine := flow.NewEngine(defs, st, st, sender,
		flow.WithSendTimeout(cfg.SendTimeout),
		flow.WithAnswerRecorder(webhook.NewAnswerSync(be, wcfg.StartFlow, wcfg.QuestionnaireFlow)))
	svc := webhook.NewService(st, engine, be, wcfg, webhook.WithDedup(st))
	server := api.NewServer(svc, st, cfg.serverOptions()...)

	slog.Info("Bootstrapping EmotiTrack", "flows", len(defs), "addr", cfg.APIAddr)
	if err := server.Run(ctx); err != nil {
		return err
	}
	slog.Info("EmotiTrack exited successfully")
	return nil
}

// loadFlows reads the flow documents of dir, or the built-in flows when dir is empty.
func loadFlows(dir string) (map[string]*flow.Definition, error) {
	var fsys fs.FS = flows.FS
	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("flows directory %s: %w", dir, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("flows directory %s is not a directory", dir)
		}
		fsys = os.DirFS(dir)
	}
	defs, err := flow.LoadDefinitions(fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to load flows: %w", err)
	}
	return defs, nil
}

// requireFlows checks that every named flow is loaded.
func requireFlows(defs map[string]*flow.Definition, names ...string) error {
	for _, name := range names {
		if _, ok := defs[name]; !ok {
			return fmt.Errorf("required flow %q is not defined", name)
		}
	}
	return nil
}

func dsnKind(dsn string) string {
	if dsn == MemoryDSN {
		return MemoryDSN
	}
	return store.DetectDSNType(dsn)
}

// openStore opens the store selected by dsn.
func openStore(dsn string) (store.Store, error) {
	switch dsnKind(dsn) {
	case MemoryDSN:
		slog.Info("Using in-memory store")
		return store.NewInMemoryStore(), nil
	case "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		st, err := store.NewPostgresStore(store.WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, nil
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
		st, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return st, nil
	}
}

// pruneDedup drops processed dedup records older than dedupRetention.
func pruneDedup(repo store.DedupRepo, now time.Time) {
	n, err := repo.PruneProcessed(now.Add(-dedupRetention))
	if err != nil {
		slog.Warn("pruneDedup: failed to prune inbound dedup records", "error", err)
		return
	}
	slog.Debug("pruneDedup: inbound dedup records pruned", "removed", n)
}

// newMessagingService builds the outbound transport for the configured provider.
func newMessagingService(cfg Config) (messaging.Service, error) {
	switch cfg.Provider {
	case ProviderTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFrom))
		if err != nil {
			return nil, fmt.Errorf("failed to create twilio client: %w", err)
		}
		return messaging.NewTwilioService(client), nil
	case ProviderCloud:
		client, err := whatsapp.NewClient(
			whatsapp.WithToken(cfg.WhatsAppToken),
			whatsapp.WithPhoneNumberID(cfg.PhoneNumberID))
		if err != nil {
			return nil, fmt.Errorf("failed to create whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	}
	return nil, fmt.Errorf("unknown messaging provider %q", cfg.Provider)
}
