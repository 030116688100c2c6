package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"WorkflowScanner/internal/app"
	"WorkflowScanner/internal/config"
	"WorkflowScanner/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "workflowscanner",
		Short:        "Scrapes visa workflows and stages them for review",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if configPath != "" {
				_ = os.Setenv("WORKFLOW_SCANNER_CONFIG", configPath)
			}
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config (overrides WORKFLOW_SCANNER_CONFIG)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run scheduled scrape cycles until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), func(a *app.Application) error {
					return a.Run(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "cycle",
			Short: "Run one scrape cycle and print its report",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), func(a *app.Application) error {
					report, err := a.RunCycle(cmd.Context())
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), report)
				})
			},
		},
		&cobra.Command{
			Use:   "scrape <visa-type> <country>",
			Short: "Scrape one visa type for one country and print the result",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(a *app.Application) error {
					res := a.Scrape(cmd.Context(), args[0], args[1])
					if err := printJSON(cmd.OutOrStdout(), res); err != nil {
						return err
					}
					if !res.Success {
						return fmt.Errorf("scrape %s/%s failed", args[0], args[1])
					}
					return nil
				})
			},
		},
	)
	return root
}

func withApp(ctx context.Context, fn func(*app.Application) error) error {
	cfg := config.Load()
	// stdout carries command output
	logger := logging.NewWithWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("application setup failed", "error", err)
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn("close application", "error", err)
		}
	}()

	if err := fn(application); err != nil {
		logger.Error("application stopped", "error", err)
		return err
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
