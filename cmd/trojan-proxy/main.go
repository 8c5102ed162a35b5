package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"trojan-proxy/internal/config"
	"trojan-proxy/internal/infrastructure/auth"
	"trojan-proxy/pkg/logger"
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

	cmd := &cobra.Command{
		Use:           "trojan-proxy",
		Short:         "TLS tunnel that hides behind a fallback web server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			log := logger.Setup(logger.Level(cfg.LogLevel))
			log.Info("Initializing trojan proxy...", "run_type", cfg.RunType, "config", configPath)

			switch cfg.RunType {
			case config.RunClient:
				err = runClient(cmd.Context(), log, cfg)
			default:
				err = runServer(cmd.Context(), log, cfg)
			}
			if err != nil {
				log.Error("Proxy stopped unexpectedly", "error", err)
				return err
			}
			log.Info("Proxy stopped")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the YAML config file")

	cmd.AddCommand(newHashCommand())
	return cmd
}

func newHashCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <password>...",
		Short: "Print the credential a client sends for each password",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, pwd := range args {
				fmt.Fprintln(cmd.OutOrStdout(), auth.Hash(pwd))
			}
			return nil
		},
	}
}
