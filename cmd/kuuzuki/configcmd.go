package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moikas-code/kuuzuki/internal/config"
)

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema for the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Println(string(schema))
			return nil
		},
	})
	return cmd
}
