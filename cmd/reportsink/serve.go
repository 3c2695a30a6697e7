package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/reportsink"
	"github.com/loykin/reportsink/internal/config"
	"github.com/loykin/reportsink/internal/pidfile"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the report sink server",
		Long: `Start the HTTP server that accepts agent reports.
Configuration comes from the TOML file, REPORTSINK_* environment variables
and the flags below, in increasing order of precedence.

Examples:
  reportsink serve --config=reportsink.toml
  REPORTSINK_AUTH_TOKEN=s3cret reportsink serve --listen=:9090`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, serveFlags)
		},
	}

	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "listen address, overrides server.listen")
	cmd.Flags().StringVar(&serveFlags.PIDFile, "pidfile", "", "write the server PID to this file")
	cmd.Flags().BoolVar(&serveFlags.Watch, "watch", true, "reload the shared secret when the config file changes")

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, flags *ServeFlags) error {
	v, err := config.New(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
		if err := v.BindPFlag("server.listen", f); err != nil {
			return err
		}
	}
	cfg, err := config.Decode(v)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	app, err := reportsink.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			app.Logger().Error("shutdown", "error", err)
		}
	}()

	if flags.Watch && flags.ConfigPath != "" {
		config.Watch(v, app.Logger()).OnChange(app.ApplyConfig)
	}

	if flags.PIDFile != "" {
		if err := pidfile.Acquire(flags.PIDFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = pidfile.Remove(flags.PIDFile) }()
	}

	return app.ListenAndServe(ctx)
}
