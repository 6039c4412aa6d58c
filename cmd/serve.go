package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/discord"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/container"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/schedule"
	"github.com/nextlevelbuilder/nanoclaw/internal/sessions"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/internal/store/pg"
	"github.com/nextlevelbuilder/nanoclaw/internal/store/sqlite"
	"github.com/nextlevelbuilder/nanoclaw/internal/supervisor"
	"github.com/nextlevelbuilder/nanoclaw/internal/tracing"
)

const shutdownGrace = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor (default command)",
		RunE:  runServe,
	}
}

// runServe is the composition root: open the store, verify the
// container runtime, wire queue/supervisor/scheduler/IPC/channels,
// then run until a signal arrives.
func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(os.Stdout)

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Agent.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is not set; run `nanoclaw onboard` or export it")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}

	for _, dir := range []string{config.ExpandHome(cfg.DataDir), cfg.GroupsDir(), cfg.IPCDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	runtime, err := container.DetectRuntime(cfg.Container.Runtime)
	if err != nil {
		return err
	}
	if err := container.VerifyRuntime(ctx, runtime); err != nil {
		return fmt.Errorf("container runtime unusable: %w", err)
	}
	runner := container.NewRunner(runtime, cfg)
	runner.CleanupStale(ctx)

	q := queue.New(queue.Options{
		MaxConcurrent: cfg.Queue.Concurrency(),
		MaxRetries:    cfg.Queue.Retries(),
		BaseRetry:     cfg.Queue.BaseRetry(),
		StopByName:    runner.StopByName,
	})

	msgBus := bus.New()
	sess := sessions.NewManager(st)
	mgr := channels.NewManager()

	sup := supervisor.New(cfg, st, q, runner, sess, mgr, msgBus)
	q.SetMessageProcessor(sup.ProcessChannel)

	if err := registerAdapters(cfg, mgr, msgBus, sup.SaveAttachment); err != nil {
		return err
	}

	sched := schedule.New(st, q, sup, cfg.Location())
	watcher := ipc.NewWatcher(cfg.IPCDir(), cfg.MainGroupFolder, st, mgr, cfg.Location(), sup.OnRegister)

	mgr.StartAll(ctx)
	defer mgr.StopAll(context.Background())

	slog.Info("nanoclaw.started",
		"version", Version,
		"runtime", runtime,
		"store", storeKind(cfg),
		"max_concurrent", cfg.Queue.Concurrency(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Start(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	err = g.Wait()

	// Fresh context: the signal context is already dead.
	shCtx, cancel := context.WithTimeout(context.Background(), 3*shutdownGrace)
	defer cancel()
	if qerr := q.Shutdown(shCtx, shutdownGrace); qerr != nil {
		slog.Warn("nanoclaw.queue_shutdown", "error", qerr)
	}
	if terr := shutdownTracing(shCtx); terr != nil {
		slog.Warn("nanoclaw.tracing_shutdown", "error", terr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("nanoclaw.stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.IsManaged() {
		return pg.Open(ctx, cfg.Database.PostgresDSN)
	}
	st, err := sqlite.New(cfg.StorePath())
	if err != nil {
		return nil, err
	}
	if err := st.Init(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return st, nil
}

func storeKind(cfg *config.Config) string {
	if cfg.Database.IsManaged() {
		return "postgres"
	}
	return "sqlite"
}

// registerAdapters builds the enabled chat adapters. A misconfigured
// adapter is fatal at startup; failing later would silently drop a
// whole platform.
func registerAdapters(cfg *config.Config, mgr *channels.Manager, msgBus *bus.MessageBus, saver channels.AttachmentSaver) error {
	if cfg.Channels.WhatsApp.Enabled {
		ch, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus, saver)
		if err != nil {
			return fmt.Errorf("whatsapp adapter: %w", err)
		}
		mgr.Register(ch)
	}
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, msgBus, saver)
		if err != nil {
			return fmt.Errorf("telegram adapter: %w", err)
		}
		mgr.Register(ch)
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, msgBus, saver)
		if err != nil {
			return fmt.Errorf("discord adapter: %w", err)
		}
		mgr.Register(ch)
	}
	return nil
}
