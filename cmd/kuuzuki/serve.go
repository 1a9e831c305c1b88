package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moikas-code/kuuzuki/internal/app"
)

func buildServeCmd() *cobra.Command {
	var (
		hostname   string
		port       int
		configPath string
		printLogs  bool
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine's HTTP server",
		Long: `Start the local HTTP server: session API, SSE/WebSocket event
streams, permission replies, and metrics. With --port 0 the bound address
is published to the server-info file in the data directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := app.Options{
				ConfigPath: configPath,
				Version:    version,
				LogLevel:   logLevel,
				PrintLogs:  printLogs,
				Hostname:   hostname,
			}
			if cmd.Flags().Changed("port") {
				opts.Port = &port
			}
			a, err := app.New(opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.Start(ctx); err != nil {
				_ = a.Shutdown(context.Background())
				return err
			}
			fmt.Printf("kuuzuki server listening on %s\n", a.Server.Addr())

			<-ctx.Done()
			stop()
			return a.Shutdown(context.Background())
		},
	}

	cmd.Flags().StringVar(&hostname, "hostname", "", "Interface to bind (default 127.0.0.1)")
	cmd.Flags().IntVar(&port, "port", 0, "Port to bind (0 picks a free port)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the config file")
	cmd.Flags().BoolVar(&printLogs, "print-logs", false, "Log to stderr instead of the log file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Minimum log level: debug, info, warn, error")

	return cmd
}
