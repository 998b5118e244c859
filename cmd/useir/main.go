// Useir runs one age-structured SEIR simulation and writes the trajectory
// table to stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/log"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/useir/internal/seir"
)

const appName = "useir"
const component = "cli"

// options is everything the command line selects.
type options struct {
	params      seir.Params
	cfg         seir.Config
	logCfg      log.Config
	format      seir.Format
	every       int
	showVersion bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component

	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		vi := v.Get()
		fmt.Fprintf(stdout, "%s (%s) %s (commit=%s, build_date=%s, go=%s)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.BuildDate, vi.GoVersion)
		return nil
	}

	lg, err := log.New(opts.logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", component)
	return simulate(log.WithContext(ctx, L), L, opts, stdout)
}

// parseArgs registers every flag on a fresh FlagSet, fills unset flags from
// USEIR_ environment variables and validates the result.
func parseArgs(args []string) (*options, error) {
	var (
		o      options
		format string
	)
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	o.params.RegisterFlags(fs)
	o.cfg.RegisterFlags(fs)
	o.logCfg.RegisterFlags(fs)
	fs.StringVar(&format, "format", string(seir.FormatCSV), "output table format (csv|json)")
	fs.IntVar(&o.every, "every", 1, "write every n-th row plus the last one (>=1)")
	fs.BoolVar(&o.showVersion, "V", false, "Print version+build information and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if o.showVersion {
		return &o, nil
	}

	cfg.FillFromEnv(fs, "USEIR_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	f, ferr := seir.ParseFormat(format)
	o.format = f
	var everyErr error
	if o.every < 1 {
		everyErr = fmt.Errorf("invalid EVERY %d (must be >=1)", o.every)
	}

	if err := errors.Join(
		o.params.Validate(),
		o.cfg.Validate(),
		o.logCfg.Validate(),
		ferr,
		everyErr,
	); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &o, nil
}

// simulate runs the engine and writes the table. Rows computed before a
// numerical failure are still written, then the failure is returned.
func simulate(ctx context.Context, L log.Logger, o *options, w io.Writer) error {
	engine := seir.NewEngine(L, seir.EngineHooks{})

	res, runErr := engine.Run(ctx, o.params, o.cfg)
	if res == nil || res.Trajectory == nil {
		return runErr
	}

	if err := seir.WriteTable(w, o.format, res.Trajectory.Sample(o.every)); err != nil {
		return errors.Join(runErr, fmt.Errorf("write table: %w", err))
	}
	return runErr
}
