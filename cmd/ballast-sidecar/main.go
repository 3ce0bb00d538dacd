package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/ballast/internal/core"
	"github.com/3cpo-dev/ballast/internal/lease"
	"github.com/3cpo-dev/ballast/internal/metadata"
	"github.com/3cpo-dev/ballast/internal/sidecar"
	"github.com/3cpo-dev/ballast/internal/telemetry"
)

var version = "0.3.0"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ballast-sidecar [-- scheduler command...]",
		Short: "Idle-shutdown sidecar for a ballast scheduler task",
		Long: "Runs next to the scheduler, forwards its /state endpoint, and exits once nobody has " +
			"extended the lease for the configured window. An optional command is supervised and " +
			"stopped together with the sidecar.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	cmd.Flags().StringP("log", "l", "info", "Set log level")
	cmd.Flags().String("config", "", "config file")
	cmd.Flags().String("listen", "", "listen address (overrides config)")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	levelStr, _ := cmd.Flags().GetString("log")
	if level, err := zerolog.ParseLevel(levelStr); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Sidecar.Listen = listen
	}
	scheduler, err := url.Parse(cfg.Sidecar.SchedulerURL)
	if err != nil {
		return fmt.Errorf("scheduler url: %w", err)
	}

	metrics := telemetry.NewCollector()
	telemetry.SetGlobal(metrics)

	opts := cfg.LeaseOptions()
	opts.OnExpire = func(idle time.Duration) {
		telemetry.CounterGlobal("lease_expirations_total", 1, nil)
	}
	srv := &sidecar.Server{
		Version:   version,
		Lease:     lease.New(opts),
		Scheduler: scheduler,
		Metrics:   metrics,
	}
	if d, err := metadata.FromEnv(); err == nil {
		d.PollInterval = cfg.Metadata.PollInterval
		srv.Self = d
	} else {
		log.Warn().Err(err).Msg("Self discovery disabled")
	}

	tlsSettings := sidecar.LoadTLSConfig()
	var tlsCfg *tls.Config
	if tlsSettings.Enabled() {
		c, err := tlsSettings.Build()
		if err != nil {
			return err
		}
		tlsCfg = c
	}

	ln, err := net.Listen("tcp", cfg.Sidecar.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Sidecar.Listen, err)
	}
	return serve(cmd.Context(), srv, ln, tlsCfg, args)
}

// serve runs the lease ticker, the HTTP server and the optional scheduler
// command until one of them stops. Lease expiry and cancellation are a clean
// exit.
func serve(ctx context.Context, srv *sidecar.Server, ln net.Listener, tlsCfg *tls.Config, args []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Lease.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx, ln, tlsCfg) })
	if len(args) > 0 {
		g.Go(func() error { return supervise(gctx, args) })
	}

	err := g.Wait()
	switch {
	case errors.Is(err, lease.ErrExpired):
		log.Info().Dur("window", srv.Lease.Window()).Msg("Idle window elapsed, exiting")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	}
	return err
}

// supervise runs the scheduler until ctx ends. A child that exits on its own
// ends the sidecar too.
func supervise(ctx context.Context, args []string) error {
	c := exec.CommandContext(ctx, args[0], args[1:]...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Cancel = func() error { return c.Process.Signal(syscall.SIGTERM) }
	c.WaitDelay = 10 * time.Second
	log.Info().Strs("command", args).Msg("Starting scheduler")
	err := c.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	return errors.New("scheduler exited")
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root := newRootCmd()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("sidecar failed")
		cancel()
		os.Exit(1)
	}
}
