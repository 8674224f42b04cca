package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	baseURL string
	apiKey  string
)

var rootCmd = &cobra.Command{
	Use:   "appforge",
	Short: "AppForge CLI - Manage sandboxes and projects from the command line",
	Long: `AppForge CLI is a command-line tool for operating an AppForge deployment.

It provides commands to inspect the sandbox pool, manage user assignments,
create and preview projects, and mint API keys.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("APPFORGE_API_URL", "http://localhost:8080"), "AppForge API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("APPFORGE_API_KEY"), "AppForge API key")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func checkAPIKey() error {
	if apiKey == "" {
		return fmt.Errorf("API key is required. Set APPFORGE_API_KEY environment variable or use --api-key flag")
	}
	return nil
}
