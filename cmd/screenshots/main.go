// Command screenshots runs the screenshots server and its administrative
// tasks.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ggoodman/screenshots-server/config"
	"github.com/ggoodman/screenshots-server/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "screenshots",
		Short:        "Store and serve versioned page screenshots",
		SilenceUsage: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(newServeCmd(stderr), newCreateTokenCmd())
	return root
}

func newServeCmd(logOut io.Writer) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.FromEnv()
			if err != nil {
				return err
			}
			if addr != "" {
				env.ListenAddr = addr
			}
			h, err := app.NewLogHandler(logOut, env.LogLevel, env.LogFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(h))

			srv, err := app.NewServer(cmd.Context(), env, h)
			if err != nil {
				return err
			}
			defer srv.Close()
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides LISTEN_ADDR)")
	return cmd
}

func newCreateTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-token <username>",
		Short: "Create or show the API token of an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.FromEnv()
			if err != nil {
				return err
			}
			backend, err := app.OpenBackend(cmd.Context(), env)
			if err != nil {
				return err
			}
			defer backend.Close()
			if err := app.CreateToken(cmd.Context(), backend, args[0], cmd.OutOrStdout()); err != nil {
				return fmt.Errorf("create-token: %w", err)
			}
			return nil
		},
	}
}
