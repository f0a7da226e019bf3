package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benchrun/benchrun/internal/client"
	"github.com/benchrun/benchrun/internal/config"
	"github.com/benchrun/benchrun/internal/events"
	"github.com/benchrun/benchrun/internal/locale"
	"github.com/benchrun/benchrun/internal/logging"
	"github.com/benchrun/benchrun/internal/server"
	"github.com/benchrun/benchrun/internal/session"
	"github.com/benchrun/benchrun/internal/suite"
	"github.com/benchrun/benchrun/internal/telemetry"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code, err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(code)
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) (int, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return 1, fmt.Errorf("load config: %w", err)
	}

	runID := uuid.NewString()
	logger, err := logging.New(ctx, logging.WithRunID(runID))
	if err != nil {
		return 1, fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	a := &app{
		cfg:       cfg,
		logger:    logger.Logger,
		runID:     runID,
		lookupEnv: os.LookupEnv,
	}
	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if a.exitCode == 0 {
			return 1, err
		}
		return a.exitCode, err
	}
	return a.exitCode, nil
}

// app carries the dependencies of one CLI invocation.
type app struct {
	cfg       *config.Config
	logger    *log.Logger
	runID     string
	lookupEnv locale.LookupEnv
	exitCode  int
}

type flags struct {
	numLocales     int
	serverPath     string
	serverArgs     []string
	startupTimeout time.Duration
	gracePeriod    time.Duration
	suitePath      string
	otelEndpoint   string
}

func newRootCommand(a *app) *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:   "benchrun [flags] CLIENT... [-- CLIENT_ARGS...]",
		Short: "Run benchmark clients against a freshly started server",
		Long: `benchrun starts the benchmark server with the resolved number of locales,
runs each client as "CLIENT HOST PORT CLIENT_ARGS..." one after another, and
always stops the server before exiting. The exit code is non-zero when any
client fails.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSession(cmd, args, f)
		},
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	flagSet := root.Flags()
	flagSet.IntVarP(&f.numLocales, "numlocales", "n", 0, "number of locales to start the server with")
	flagSet.StringVar(&f.serverPath, "server", "", "server executable (overrides server_path)")
	flagSet.StringArrayVar(&f.serverArgs, "server-arg", nil, "extra server argument, repeatable (replaces server_args)")
	flagSet.DurationVar(&f.startupTimeout, "startup-timeout", 0, "how long to wait for the server to announce its address")
	flagSet.DurationVar(&f.gracePeriod, "grace-period", 0, "wait between SIGTERM and SIGKILL at teardown")
	flagSet.StringVar(&f.suitePath, "suite", "", "HCL suite file listing clients")
	flagSet.StringVar(&f.otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint for traces")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if a.logger == nil {
			return errors.New("logger is required")
		}
		if a.cfg == nil {
			return errors.New("config is required")
		}
		a.logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}
	return root
}

func (a *app) runSession(cmd *cobra.Command, args []string, f flags) error {
	a.exitCode = 1
	ctx := cmd.Context()
	logger := a.logger.With("run_id", a.runID)

	clientArgs, passthrough := splitAtDash(args, cmd.ArgsLenAtDash())

	var specs []client.Spec
	var override *int
	if f.suitePath != "" {
		loaded, err := suite.LoadFile(f.suitePath, nil)
		if err != nil {
			return err
		}
		specs = append(specs, loaded.Clients...)
		override = loaded.NumLocales
		logger.Info("suite loaded", "path", f.suitePath, "clients", len(loaded.Clients))
	}
	for _, path := range clientArgs {
		specs = append(specs, client.Spec{Path: path})
	}
	if len(specs) == 0 {
		return errors.New("at least one client is required")
	}
	for i := range specs {
		specs[i] = specs[i].WithArgs(passthrough...)
	}

	if cmd.Flags().Changed("numlocales") {
		if f.numLocales < 1 {
			return fmt.Errorf("--numlocales must be positive, got %d", f.numLocales)
		}
		count := f.numLocales
		override = &count
	}

	cfg := *a.cfg
	if f.serverPath != "" {
		cfg.ServerPath = f.serverPath
	}
	if cmd.Flags().Changed("server-arg") {
		cfg.ServerArgs = f.serverArgs
	}
	if f.startupTimeout > 0 {
		cfg.StartupTimeout = f.startupTimeout
	}
	if f.gracePeriod > 0 {
		cfg.GracePeriod = f.gracePeriod
	}

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Run{
		Endpoint:   telemetry.ResolveEndpoint(f.otelEndpoint, cfg.OTELEndpoint, a.lookupEnv),
		RunID:      a.runID,
		Version:    Version,
		ServerPath: cfg.ServerPath,
		Clients:    len(specs),
	})
	if err != nil {
		logger.Warn("tracing disabled", "err", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetry.BatchTimeout)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				logger.Warn("flush traces", "err", err)
			}
		}()
	}

	bus := events.New(events.WithLogger(logger))
	bus.SubscribeAll(logEvent(logger))
	defer bus.Close()

	manager, err := server.New(server.Options{
		ServerPath:     cfg.ServerPath,
		ServerArgs:     cfg.ServerArgs,
		ReadyPattern:   cfg.ReadyPattern,
		StartupTimeout: cfg.StartupTimeout,
		GracePeriod:    cfg.GracePeriod,
		ForcedExitWait: cfg.ForcedExitWait,
		Output:         cmd.ErrOrStderr(),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("configure server: %w", err)
	}
	invoker := client.NewInvoker(client.Options{
		Stdout:          cmd.OutOrStdout(),
		Stderr:          cmd.ErrOrStderr(),
		Logger:          logger,
		OutputTailBytes: cfg.OutputTailBytes,
		KillDelay:       cfg.GracePeriod,
	})
	resolver := locale.NewResolver(
		locale.WithLookupEnv(a.lookupEnv),
		locale.WithConfiguredDefault(cfg.DefaultLocales),
	)

	coordinator, err := session.New(resolver, manager, invoker,
		session.WithLogger(logger),
		session.WithBus(bus),
		session.WithSessionID(a.runID),
	)
	if err != nil {
		return err
	}

	report, runErr := coordinator.Run(ctx, specs, override)
	writeSummary(cmd.ErrOrStderr(), report)
	a.exitCode = report.Status.ExitCode()
	if runErr != nil && a.exitCode == 0 {
		a.exitCode = 1
	}
	return runErr
}

func splitAtDash(args []string, dash int) ([]string, []string) {
	if dash < 0 || dash > len(args) {
		return args, nil
	}
	return args[:dash], args[dash:]
}

func writeSummary(out io.Writer, report session.Report) {
	if len(report.Clients) == 0 && report.Address == "" {
		return
	}
	fmt.Fprintf(out, "\nbenchrun: %d locales, server %s\n", report.Locales, displayAddress(report.Address))
	for _, outcome := range report.Clients {
		status := "ok"
		switch {
		case outcome.Err != nil:
			status = "launch failed"
		case !outcome.Success():
			status = "failed"
		}
		fmt.Fprintf(out, "  %-24s exit %-3d %-13s %s\n",
			outcome.Spec.Label(), outcome.ExitCode, status, outcome.Duration.Round(time.Millisecond))
	}
	if report.TeardownErr != nil {
		fmt.Fprintf(out, "  server teardown: %v\n", report.TeardownErr)
	}
	fmt.Fprintf(out, "benchrun: %s (exit %d)\n", report.Status, report.Status.ExitCode())
}

func displayAddress(address string) string {
	if strings.TrimSpace(address) == "" {
		return "not started"
	}
	return address
}
