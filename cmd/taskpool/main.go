package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"taskpool/internal/app"
	"taskpool/internal/config"
)

const stopTimeout = 15 * time.Second

var cfgPath string

var (
	rootCmd = &cobra.Command{
		Use:           "taskpool",
		Short:         "Run configured commands through a bounded-concurrency task pool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run as a daemon: feed jobs on schedule, persist results, serve metrics",
		Args:  cobra.NoArgs,
		RunE:  doRun,
	}

	onceCmd = &cobra.Command{
		Use:   "once",
		Short: "Run every configured job once and exit after the pool drains",
		Args:  cobra.NoArgs,
		RunE:  doOnce,
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the config file",
		Args:  cobra.NoArgs,
		RunE:  doValidate,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./taskpool.yaml", "path to config file (.json, .yaml, .yml)")
	rootCmd.AddCommand(runCmd, onceCmd, validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func doRun(cmd *cobra.Command, _ []string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(cmd.Context()); err != nil {
		_ = stop(a, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopErr := stop(a, reason)
	if err := a.Err(); err != nil {
		return err
	}
	return stopErr
}

func doOnce(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	runErr := a.RunOnce(ctx)
	reason := app.StopOnceDone
	if errors.Is(runErr, context.Canceled) {
		reason = app.StopSIGINT
	}
	return multierr.Append(runErr, stop(a, reason))
}

func doValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	if err := app.ValidateConfig(cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "config ok: pool=%s concurrency=%d jobs=%d\n",
		cfg.Pool.EffectiveName(), cfg.Pool.EffectiveConcurrency(), len(cfg.Jobs))
	return nil
}

func stop(a *app.App, reason app.StopReason) error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return a.Stop(ctx, reason)
}
