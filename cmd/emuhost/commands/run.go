package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/emuhost/emuhost/pkg/config"
	"github.com/emuhost/emuhost/pkg/cpufeatures"
	"github.com/emuhost/emuhost/pkg/engine"
	"github.com/emuhost/emuhost/pkg/lifecycle"
	"github.com/emuhost/emuhost/pkg/memory"
	"github.com/emuhost/emuhost/pkg/providers"
	"github.com/emuhost/emuhost/pkg/resources"
	"github.com/emuhost/emuhost/pkg/stores"
	"github.com/emuhost/emuhost/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		runFor  time.Duration
		noWatch bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bring the execution environment up and hold it until interrupted",
		Long: `Probe the host CPU, load the settings folder and bring up the execution
environment: memory reservation, one provider per enabled role with fallback
to the interpreters, the execution workers and the background catalog load.

The environment runs until SIGINT or SIGTERM, then the full shutdown sequence
runs. SIGHUP stops the workers and starts them again with the settings
re-applied.`,
		Example: `  # Run with the default settings folder
  emuhost run

  # Run against a specific settings folder for ten seconds
  emuhost run --settings ./testdata --for 10s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd.Context(), cmd.OutOrStdout(), runFor, !noWatch)
		},
	}

	cmd.Flags().DurationVar(&runFor, "for", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not watch the settings folder for changes")

	return cmd
}

func runHost(ctx context.Context, out io.Writer, runFor time.Duration, watch bool) error {
	// Telemetry is configured from the settings, so they are read once before
	// the store the application owns is created.
	preload, err := openSettings(ctx, false, nil)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	settings := preload.Settings()
	folder := preload.Folder()

	tel, err := telemetry.NewTelemetry(settings.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down telemetry")
		}
	}()
	if err := tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	sessionID := uuid.New().String()
	logger := tel.Logger.WithSessionID(sessionID)
	tel.Events.Subscribe(telemetry.LogEvents(logger.NewComponentLogger("events")), nil)

	catalog, err := openCatalog(ctx, settings, folder)
	if err != nil {
		return err
	}
	defer catalog.Close()

	if src := settings.Catalog.Source; src != "" {
		if n, err := catalog.CountTitles(ctx); err == nil && n == 0 {
			count, err := importCatalog(ctx, catalog, resolvePath(folder, src))
			if err != nil {
				logger.WithError(err).Warn("catalog import failed")
			} else {
				logger.WithField("titles", count).Info("catalog imported")
			}
		}
	}

	features := cpufeatures.Probe()
	registry, err := newRegistry(settings, folder, features, logger)
	if err != nil {
		return err
	}

	store := config.NewStore(config.Options{Folder: settingsDir, Watch: watch, Logger: logger})
	set := resources.NewSet()

	app, err := lifecycle.NewApp(lifecycle.Options{
		Settings:            store,
		Memory:              memory.NewVMReserve(memory.DefaultRegions(), logger),
		Factory:             registry,
		Resources:           set,
		Loader:              resources.NewLoader(catalog, set, tel),
		Workers:             executionWorkers(logger),
		WorkerCancelTimeout: settings.Shutdown.WorkerCancelTimeout.Std(),
		DrainTimeout:        settings.Shutdown.DrainTimeout.Std(),
		Closers: []lifecycle.Closer{
			registry,
			closerFunc(func(context.Context) error { return store.Close() }),
		},
		Probe:     func() cpufeatures.Features { return features },
		SessionID: sessionID,
		Telemetry: tel,
	})
	if err != nil {
		return err
	}

	shutdownCtx := context.WithoutCancel(ctx)
	if !app.DetectCPUAndUserMode(ctx) {
		_ = app.Close(shutdownCtx)
		return fmt.Errorf("failed to load settings folder %s", folder)
	}
	if err := app.Boot(ctx); err != nil {
		_ = app.Close(shutdownCtx)
		return fmt.Errorf("failed to bring up execution environment: %w", err)
	}

	if err := catalog.StartSession(ctx, &stores.Session{
		ID:              sessionID,
		ExecutionConfig: store.ExecutionConfig().String(),
		Downgraded:      joinRoles(app.Downgraded()),
	}); err != nil {
		logger.WithError(err).Warn("failed to record session start")
	}

	printBootSummary(out, app, store.ExecutionConfig())

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var deadline <-chan time.Time
	if runFor > 0 {
		deadline = time.After(runFor)
	}

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline:
			break wait
		case <-hup:
			restart(ctx, app)
		}
	}

	result, err := app.CleanupOnExit(shutdownCtx)
	if err != nil {
		log.Error().Err(err).Msg("Shutdown aborted")
	}
	if result != nil {
		if err := catalog.EndSession(shutdownCtx, sessionID, len(result.Errors()), string(result.FinalState)); err != nil {
			logger.WithError(err).Warn("failed to record session end")
		}
		fmt.Fprintf(out, "shutdown: %s in %s, %d errors, timed out: %v\n",
			result.FinalState, result.Duration.Round(time.Millisecond), len(result.Errors()), result.TimedOut())
	}

	return app.Close(shutdownCtx)
}

// restart stops the workers and brings them back with the settings
// re-applied.
func restart(ctx context.Context, app *lifecycle.App) {
	log.Info().Msg("Restarting execution workers")
	if _, err := app.CleanupRestartable(ctx); err != nil {
		log.Error().Err(err).Msg("Restart aborted")
		return
	}
	if err := app.Boot(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to restart execution workers")
	}
}

// executionWorkers returns the core worker, which drives every role except
// vu1 and is awaited without bound, and the vu1 worker, which is bounded by
// the configured cancel timeout.
func executionWorkers(logger *telemetry.Logger) []lifecycle.WorkerSpec {
	core := []engine.Role{engine.RolePrimary, engine.RoleCoprocA, engine.RoleCoprocB, engine.RoleVector0}
	return []lifecycle.WorkerSpec{
		{Name: "core", Unbounded: true, Run: executionLoop(logger, core...)},
		{Name: "vu1", LockOSThread: true, Run: executionLoop(logger, engine.RoleVector1)},
	}
}

func executionLoop(logger *telemetry.Logger, roles ...engine.Role) lifecycle.WorkerFunc {
	return func(ctx context.Context, pack *providers.Pack, cfg engine.ExecutionConfig) error {
		for _, role := range roles {
			p := pack.Active(role, cfg)
			logger.WithProvider(p.Name(), string(role)).Debug("execution unit running")
		}
		<-ctx.Done()
		return nil
	}
}

func printBootSummary(w io.Writer, app *lifecycle.App, cfg engine.ExecutionConfig) {
	pack := app.Pack()
	fmt.Fprintf(w, "session %s\n", app.SessionID())
	fmt.Fprintf(w, "cpu: %s\n", app.Features())
	for _, role := range engine.AllRoles() {
		o := pack.Outcome(role)
		fmt.Fprintf(w, "  %-8s %-9s %-14s -> %s\n", role, cfg[role], o.Status, pack.Active(role, cfg).Name())
	}
	if downs := app.Downgraded(); len(downs) > 0 {
		fmt.Fprintf(w, "fallback: %s now run on the interpreter\n", joinRoles(downs))
	}
}

func joinRoles(roles []engine.Role) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, ",")
}
