package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/appforge/appforge/pkg/client"
)

var assignCmd = &cobra.Command{
	Use:   "assign <user-id>",
	Short: "Resolve (or create) the sandbox assignment for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		a, err := c.AssignSandbox(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to assign sandbox: %w", err)
		}
		fmt.Printf("%s -> %s\n", a.UserID, a.SandboxID)
		return nil
	},
}

var assignmentCmd = &cobra.Command{
	Use:   "assignment <user-id>",
	Short: "Show a user's current sandbox assignment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := c.GetAssignment(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get assignment: %w", err)
		}
		fmt.Printf("%s -> %s\n", a.UserID, a.SandboxID)
		return nil
	},
}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Mint a new API key (plaintext shown once)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		k, err := c.CreateAPIKey(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to create API key: %w", err)
		}
		fmt.Printf("✓ API key %q created\n", k.Name)
		fmt.Printf("  %s\n", k.Key)
		fmt.Println("  Store it now; only a hash is kept server-side.")
		return nil
	},
}

func init() {
	apikeyCmd.AddCommand(apikeyCreateCmd)
	rootCmd.AddCommand(assignCmd, assignmentCmd, apikeyCmd)
}
