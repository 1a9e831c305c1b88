package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moikas-code/kuuzuki/internal/app"
	"github.com/moikas-code/kuuzuki/internal/session"
	"github.com/moikas-code/kuuzuki/internal/turn"
)

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		model      string
		mode       string
		agent      string
	)

	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Run one turn against a new session and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(app.Options{
				ConfigPath: configPath,
				Version:    version,
			})
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sess, err := a.Sessions.Create(ctx, "")
			if err != nil {
				return err
			}
			msg, err := a.Engine.Run(ctx, turn.Input{
				SessionID: sess.ID,
				Text:      strings.Join(args, " "),
				Mode:      mode,
				Agent:     agent,
				Model:     model,
			})
			if err != nil {
				return err
			}

			parts, err := a.Sessions.Parts(sess.ID, msg.ID)
			if err != nil {
				return err
			}
			for _, part := range parts {
				if part.Type == session.PartText {
					fmt.Println(part.Text)
				}
			}
			if msg.Error != "" {
				return fmt.Errorf("turn failed: %s", msg.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the config file")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model override as <provider>/<model>")
	cmd.Flags().StringVar(&mode, "mode", "", "Mode: build or plan")
	cmd.Flags().StringVar(&agent, "agent", "", "Named agent to run as")

	return cmd
}
