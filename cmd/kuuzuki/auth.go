package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/moikas-code/kuuzuki/internal/app"
	"github.com/moikas-code/kuuzuki/internal/auth"
)

func buildAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored provider credentials",
	}
	cmd.AddCommand(buildAuthLoginCmd(), buildAuthListCmd(), buildAuthLogoutCmd())
	return cmd
}

func authStore() (*auth.Store, error) {
	dataDir, err := app.DataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	return auth.NewStore(dataDir), nil
}

func buildAuthLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <provider>",
		Short: "Store an API key for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := authStore()
			if err != nil {
				return err
			}
			provider := strings.ToLower(args[0])

			key, err := readSecret(fmt.Sprintf("API key for %s: ", provider))
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("empty key")
			}
			if err := store.Set(provider, auth.Credential{Type: auth.TypeAPI, Key: key}); err != nil {
				return err
			}
			fmt.Printf("Stored credentials for %s\n", provider)
			return nil
		},
	}
}

// readSecret hides input on a terminal and falls back to a plain line read
// when stdin is piped.
func readSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func buildAuthListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List providers with stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := authStore()
			if err != nil {
				return err
			}
			providers, err := store.List()
			if err != nil {
				return err
			}
			if len(providers) == 0 {
				fmt.Println("No stored credentials.")
				return nil
			}
			for _, p := range providers {
				fmt.Println(p)
			}
			return nil
		},
	}
}

func buildAuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout <provider>",
		Short: "Remove a provider's stored credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := authStore()
			if err != nil {
				return err
			}
			provider := strings.ToLower(args[0])
			if err := store.Remove(provider); err != nil {
				return err
			}
			fmt.Printf("Removed credentials for %s\n", provider)
			return nil
		},
	}
}
