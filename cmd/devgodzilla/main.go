package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/devgodzilla/devgodzilla/internal/domain"
)

const version = "0.1.0"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	os.Exit(run(os.Args[1:]))
}

// run dispatches the subcommand and maps errors to exit codes: 0 ok,
// 1 runtime failure, 2 invalid usage or configuration.
func run(args []string) int {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe()
	case "migrate":
		err = runMigrate(args)
	case "reconcile":
		err = runReconcile(args)
	case "recover":
		err = runRecover(args)
	case "token":
		err = runToken(args)
	case "help", "-h", "--help":
		printUsage()
		return 0
	default:
		printUsage()
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		return 2
	}

	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage), errors.Is(err, domain.ErrConfiguration):
		slog.Error("fatal", "error", err)
		return 2
	default:
		slog.Error("fatal", "error", err)
		return 1
	}
}

var errUsage = errors.New("invalid usage")

// parseFlags wraps flag parse failures in errUsage so run exits 2, not 1.
func parseFlags(fs *flag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return err
	}
	return fmt.Errorf("%w: %s", errUsage, err)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: devgodzilla [command] [options]

Commands:
  serve            Run the core service (default)
  migrate          Apply, roll back, or inspect database migrations
  reconcile        Reconcile step state against the external executor
  recover          Reset protocols stuck mid-run back to a runnable state
  token hash       Hash an API token for DEVGODZILLA_API_TOKEN_HASH
  help             Show this help message

Examples:
  devgodzilla
  devgodzilla migrate status
  devgodzilla reconcile --protocol 42 --dry-run
  devgodzilla token hash
`)
}
