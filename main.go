// stagedoor - container bootstrap sequencer
//
// Runs as the container ENTRYPOINT: waits for the database (and cache, when
// configured), applies schema migrations, collects static assets, then execs
// the application command so it takes over PID 1. Any preparatory failure
// aborts the sequence and the exit code propagates to the container runtime.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"stagedoor/config"
	"stagedoor/database"
	"stagedoor/exitcodes"
	"stagedoor/sequencer"
	"stagedoor/staticfiles"
	"stagedoor/status"
	"stagedoor/utils"
	"stagedoor/waitfor"
)

func main() {
	utils.InitLogging()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Printf("💥 [FATAL] Invalid configuration: %v", err)
		os.Exit(exitcodes.InvalidConfig)
	}

	appArgs := os.Args[1:]
	if len(appArgs) == 0 {
		appArgs = cfg.AppCommand
	}
	if len(appArgs) == 0 {
		log.Printf("💥 [FATAL] No command to run: pass it as arguments or set APP_COMMAND")
		os.Exit(exitcodes.InvalidConfig)
	}

	// Optional startup delay for platforms that wire the network up late
	if cfg.StartupDelay > 0 {
		log.Printf("Applying startup delay: %v", cfg.StartupDelay)
		time.Sleep(cfg.StartupDelay)
	}

	runID := uuid.New().String()
	utils.LogInfo("🚀 Bootstrap starting", "run_id", runID, "environment", cfg.Environment)

	steps := buildSteps(cfg, runID)
	stepNames := make([]string, len(steps))
	for i, s := range steps {
		stepNames[i] = s.Name
	}

	state := status.NewBootState(runID, stepNames)
	if cfg.StatusPort != "" {
		go func() {
			if err := status.ListenWithIPv6Fallback(status.CreateApp(state), cfg.StatusPort); err != nil {
				utils.LogError("Boot status server stopped", err)
			}
		}()
	}

	runner := sequencer.New(state)
	for _, s := range steps {
		runner.Add(s)
	}

	if err := runner.Run(context.Background()); err != nil {
		code := exitcodes.WaitFailed
		var seqErr *sequencer.Error
		if errors.As(err, &seqErr) {
			code = seqErr.Code
			utils.LogError("💥 Bootstrap aborted", seqErr.Err, "step", seqErr.Step, "exit_code", code)
		} else {
			utils.LogError("💥 Bootstrap aborted", err)
		}
		os.Exit(code)
	}

	utils.LogInfo("✅ Bootstrap complete, handing off", "command", appArgs[0])
	if err := sequencer.Exec(appArgs); err != nil {
		utils.LogError("💥 Exec failed", err, "command", appArgs[0])
		os.Exit(exitcodes.ExecFailed)
	}
}

// buildSteps assembles the preparatory sequence from configuration. Steps the
// config disables are left out entirely so the status surface only reports
// what will actually run.
func buildSteps(cfg *config.Config, runID string) []sequencer.Step {
	var steps []sequencer.Step

	steps = append(steps, sequencer.Step{
		Name:     "wait-database",
		FailCode: exitcodes.WaitFailed,
		Run:      waitDatabase(cfg),
	})

	if cfg.RedisURL != "" {
		steps = append(steps, sequencer.Step{
			Name:     "wait-cache",
			FailCode: exitcodes.WaitFailed,
			Run: func(ctx context.Context) error {
				ctx, cancel := waitContext(ctx, cfg.WaitTimeout)
				defer cancel()
				return waitfor.Wait(ctx, waitfor.RedisProbe{Addr: cfg.RedisURL, Password: cfg.RedisPassword}, cfg.WaitInterval)
			},
		})
	}

	if !cfg.SkipMigrations {
		run := migrate(cfg, runID)
		if len(cfg.MigrateCommand) > 0 {
			run = sequencer.Command(cfg.MigrateCommand)
		}
		steps = append(steps, sequencer.Step{
			Name:     "migrate",
			FailCode: exitcodes.MigrateFailed,
			Run:      run,
		})
	} else {
		log.Printf("SKIP_MIGRATIONS is set, migrations will not run")
	}

	if len(cfg.CollectCommand) > 0 {
		steps = append(steps, sequencer.Step{
			Name:     "collectstatic",
			FailCode: exitcodes.CollectFailed,
			Run:      sequencer.Command(cfg.CollectCommand),
		})
	} else if cfg.StaticRoot != "" {
		steps = append(steps, sequencer.Step{
			Name:     "collectstatic",
			FailCode: exitcodes.CollectFailed,
			Run: func(ctx context.Context) error {
				res, err := staticfiles.Collect(cfg.StaticRoot, cfg.StaticSources)
				if err != nil {
					return err
				}
				utils.LogInfo("Static files collected", "files", res.Files, "bytes", res.Bytes, "root", cfg.StaticRoot)
				return nil
			},
		})
	}

	return steps
}

// waitDatabase blocks until the database server answers, ensures the target
// database exists, then waits until the target itself accepts connections.
func waitDatabase(cfg *config.Config) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := waitContext(ctx, cfg.WaitTimeout)
		defer cancel()

		// The server may be up while the target database is still missing,
		// so the first wait goes against the always-present admin database.
		adminURL, dbName := database.AdminURLAndDBName(cfg.DatabaseURL)
		if err := waitfor.Wait(ctx, waitfor.PostgresProbe{URL: adminURL}, cfg.WaitInterval); err != nil {
			return err
		}
		if dbName != "" && dbName != "postgres" {
			database.EnsureDatabase(cfg.DatabaseURL)
		}
		return waitfor.Wait(ctx, waitfor.PostgresProbe{URL: cfg.DatabaseURL}, cfg.WaitInterval)
	}
}

// migrate runs the native migration path: short-lived pool, file-based
// migrations from the configured directory.
func migrate(cfg *config.Config, runID string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		applied, err := database.Migrate(ctx, pool, cfg.MigrationsDir, runID)
		if err != nil {
			return err
		}
		if applied > 0 {
			utils.LogInfo("Migrations applied", "count", applied)
		}
		return nil
	}
}

// waitContext bounds a wait step when a timeout is configured; zero means
// wait forever, which matches the classic wait-for-db loop.
func waitContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
