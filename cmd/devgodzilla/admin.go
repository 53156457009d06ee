package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/devgodzilla/devgodzilla/internal/adapter/postgres"
	"github.com/devgodzilla/devgodzilla/internal/adapter/windmill"
	"github.com/devgodzilla/devgodzilla/internal/bus"
	"github.com/devgodzilla/devgodzilla/internal/config"
	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/logger"
	"github.com/devgodzilla/devgodzilla/internal/port/executor"
	"github.com/devgodzilla/devgodzilla/internal/resilience"
	"github.com/devgodzilla/devgodzilla/internal/service"
)

// adminDeps loads config and opens the store for one-shot commands. The
// returned bus persists every emitted event before cleanup closes the pool.
func adminDeps() (*config.Config, *postgres.Store, *bus.Bus, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := postgres.NewPool(context.Background(), cfg.Database)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	b := bus.New(64)
	b.SubscribeAll(bus.NewStoreSink(postgres.NewEventStore(pool)).Handle)

	cleanup := func() {
		b.Close()
		pool.Close()
	}
	return cfg, postgres.NewStore(pool), b, cleanup, nil
}

// runMigrate applies, rolls back, or reports embedded SQL migrations.
func runMigrate(args []string) error {
	action := "up"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		action, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back (down only)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()

	switch action {
	case "up":
		if err := postgres.RunMigrations(ctx, cfg.Database.URL); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		fmt.Fprintln(os.Stderr, "migrations applied")
		return nil
	case "down":
		if err := postgres.RollbackMigrations(ctx, cfg.Database.URL, *steps); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		fmt.Fprintf(os.Stderr, "rolled back %d migration(s)\n", *steps)
		return nil
	case "status":
		v, err := postgres.MigrationVersion(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("migrate status: %w", err)
		}
		fmt.Printf("migration version: %d\n", v)
		return nil
	default:
		return fmt.Errorf("%w: unknown migrate action %q (want up, down, or status)", errUsage, action)
	}
}

// runReconcile runs one reconciliation pass against the Windmill executor and
// prints the report.
func runReconcile(args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	protocolID := fs.Int64("protocol", 0, "limit to one protocol run id")
	dryRun := fs.Bool("dry-run", false, "report mismatches without fixing them")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, store, b, cleanup, err := adminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	if !cfg.Windmill.Enabled {
		return fmt.Errorf("%w: windmill is disabled, nothing to reconcile", domain.ErrConfiguration)
	}
	wm := windmill.NewClient(cfg.Windmill)
	wm.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	reconciler := service.NewReconcilerService(store, b, wm, logger.New(cfg.Logging))

	req := service.ReconcileRequest{DryRun: *dryRun}
	if *protocolID != 0 {
		req.ProtocolRunID = protocolID
	}
	report, err := reconciler.ReconcileRuns(context.Background(), req)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CHECKED\tMISMATCHES\tAUTO_FIXED\tMANUAL\tDRY_RUN\tDURATION")
	_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%t\t%s\n",
		report.TotalChecked, report.MismatchesFound, report.AutoFixed,
		report.RequiresManual, report.DryRun, report.Duration)
	if err := w.Flush(); err != nil {
		return err
	}

	for i := range report.Details {
		d := &report.Details[i]
		fmt.Printf("  step %d (protocol %d): %s -> %s, action=%s applied=%t\n",
			d.StepRunID, d.ProtocolRunID, d.DBStatus, d.ExternalStatus, d.Action, d.Applied)
	}
	return nil
}

// runRecover runs one recovery sweep. Pending steps are re-dispatched only
// when Windmill is enabled; local execution needs the long-lived serve
// process.
func runRecover(args []string) error {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, store, b, cleanup, err := adminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	log := logger.New(cfg.Logging)

	var external executor.Executor
	if cfg.Windmill.Enabled {
		wm := windmill.NewClient(cfg.Windmill)
		wm.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
		external = wm
	}

	orch := service.NewOrchestratorService(store, b, nil, external, nil, log)
	actions, err := orch.RecoverStuckProtocols(context.Background())
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	if len(actions) == 0 {
		fmt.Println("nothing to recover")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ACTION\tPROTOCOL\tSTEP")
	for i := range actions {
		step := "-"
		if actions[i].StepRunID != nil {
			step = fmt.Sprintf("%d", *actions[i].StepRunID)
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", actions[i].Action, actions[i].ProtocolRunID, step)
	}
	return w.Flush()
}

// runToken implements `token hash`: bcrypt-hash an API token so only the
// hash has to live in config.
func runToken(args []string) error {
	if len(args) == 0 || args[0] == "help" {
		fmt.Fprintln(os.Stderr, "Usage: devgodzilla token hash [--token <value>]")
		return nil
	}
	if args[0] != "hash" {
		return fmt.Errorf("%w: unknown token command %q", errUsage, args[0])
	}

	fs := flag.NewFlagSet("token hash", flag.ContinueOnError)
	token := fs.String("token", "", "token value (prompted if not provided)") //nolint:gosec // CLI flag
	if err := parseFlags(fs, args[1:]); err != nil {
		return err
	}

	value := *token
	if value == "" {
		var err error
		value, err = promptSecret("API token: ")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		confirm, err := promptSecret("Confirm token: ")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		if value != confirm {
			return fmt.Errorf("tokens do not match")
		}
	}
	if value == "" {
		return fmt.Errorf("%w: empty token", errUsage)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(value), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}

	fmt.Println(string(hash))
	fmt.Fprintln(os.Stderr, "set DEVGODZILLA_API_TOKEN_HASH to the value above")
	return nil
}

// promptSecret reads a value from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
