package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/appforge/appforge/pkg/client"
	"github.com/appforge/appforge/pkg/types"
)

var projectCmd = &cobra.Command{
	Use:     "project",
	Aliases: []string{"proj"},
	Short:   "Manage projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}
		userID, _ := cmd.Flags().GetString("user")
		if userID == "" {
			return fmt.Errorf("--user is required")
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		project, err := c.CreateProject(ctx, types.CreateProjectRequest{UserID: userID, Name: args[0]})
		if err != nil {
			return fmt.Errorf("failed to create project: %w", err)
		}

		fmt.Printf("✓ Project created: %s\n", project.ID)
		fmt.Printf("  Sandbox: %s\n", project.SandboxID)
		fmt.Printf("  Path: %s\n", project.Path)
		if project.DevPort != nil {
			fmt.Printf("  Port: %d\n", *project.DevPort)
		}
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List a user's projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}
		userID, _ := cmd.Flags().GetString("user")
		if userID == "" {
			return fmt.Errorf("--user is required")
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		projects, err := c.ListProjects(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to list projects: %w", err)
		}
		if len(projects) == 0 {
			fmt.Println("No projects found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSANDBOX\tPORT\tSTATUS\tCREATED")
		for _, p := range projects {
			port := ""
			if p.DevPort != nil {
				port = fmt.Sprintf("%d", *p.DevPort)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				p.ID, p.Name, p.SandboxID, port, p.Status, p.CreatedAt.Format(time.RFC3339))
		}
		w.Flush()
		return nil
	},
}

var projectPreviewCmd = &cobra.Command{
	Use:   "preview <project-id>",
	Short: "Get a preview URL for a project, waking its sandbox if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		// Waking a stopped sandbox can take a while.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		preview, err := c.PreviewProject(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to preview project: %w", err)
		}

		fmt.Printf("URL: %s\n", preview.URL)
		fmt.Printf("Token: %s\n", preview.Token)
		if preview.JustStarted {
			fmt.Println("Sandbox was stopped and has just been started")
		}
		return nil
	},
}

func init() {
	projectCreateCmd.Flags().String("user", "", "user ID owning the project")
	projectListCmd.Flags().String("user", "", "user ID to list projects for")
	projectCmd.AddCommand(projectCreateCmd, projectListCmd, projectPreviewCmd)
	rootCmd.AddCommand(projectCmd)
}
