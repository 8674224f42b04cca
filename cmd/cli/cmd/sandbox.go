package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/appforge/appforge/pkg/client"
)

var sandboxCmd = &cobra.Command{
	Use:     "sandbox",
	Aliases: []string{"sb"},
	Short:   "Inspect the sandbox pool",
}

var sandboxListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered sandboxes and their occupancy",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sandboxes, err := c.ListSandboxes(ctx)
		if err != nil {
			return fmt.Errorf("failed to list sandboxes: %w", err)
		}

		if len(sandboxes) == 0 {
			fmt.Println("No sandboxes registered")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSERS\tCAPACITY\tLAST ASSIGNED\tCREATED")
		for _, sb := range sandboxes {
			lastAssigned := ""
			if sb.LastAssignedAt != nil {
				lastAssigned = sb.LastAssignedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
				sb.ID, sb.ActiveUsers, sb.Capacity, lastAssigned, sb.CreatedAt.Format(time.RFC3339))
		}
		w.Flush()

		return nil
	},
}

func init() {
	sandboxCmd.AddCommand(sandboxListCmd)
	rootCmd.AddCommand(sandboxCmd)
}
