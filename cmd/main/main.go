// sgpbuild compiles the SuperGenPass app page and bookmarklet, writes the
// offline cache manifest and publishes checksums for the built files.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/CTAG07/sgpbuild/pkg/checksum"
	"github.com/CTAG07/sgpbuild/pkg/pipeline"
	"github.com/spf13/pflag"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var errBuildFailed = errors.New("build failed")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath  string
		logLevel    string
		only        []string
		target      string
		history     int
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("sgpbuild", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "./sgpbuild.jsonc", "build file (.jsonc, .json, .yaml)")
	flagSet.StringVar(&logLevel, "log-level", "", "override the build file log level (debug, info, warn, error)")
	flagSet.StringSliceVar(&only, "only", nil, "run only these tasks, in this order (compile, manifest, checksum)")
	flagSet.StringVar(&target, "target", "", "run only the target with this name")
	flagSet.IntVar(&history, "history", 0, "print the last `N` recorded builds and exit")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if showVersion {
		fmt.Printf("sgpbuild %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		fmt.Printf("checksum algorithms: %v\n", checksum.Algorithms())
		return nil
	}

	baseLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(logLevel)}))
	config, err := LoadConfig(configPath, baseLogger)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel == "" {
		logLevel = config.LogLevel
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(logLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []pipeline.Option{pipeline.WithTasks(only...), pipeline.WithTarget(target)}
	if config.LedgerPath != "" {
		l, closeLedger, err := openLedger(config.LedgerPath, logger)
		if err != nil {
			return err
		}
		defer closeLedger()

		if history > 0 {
			return printHistory(ctx, os.Stdout, l, history)
		}
		opts = append(opts, pipeline.WithLedger(l))
	} else if history > 0 {
		return errors.New("--history needs ledger_path to be set in the build file")
	}

	p, err := pipeline.New(config, logger, opts...)
	if err != nil {
		return err
	}

	logger.Info("Starting build", "version", Version, "config", configPath)
	summary, err := p.Run(ctx)
	if err != nil {
		return fmt.Errorf("build interrupted: %w", err)
	}
	if summary.Failures > 0 {
		return fmt.Errorf("%w: %d destination(s) failed", errBuildFailed, summary.Failures)
	}
	return nil
}
