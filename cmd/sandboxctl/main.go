// Command sandboxctl is the operator CLI for a sandboxd control plane:
// list/inspect sandboxes and sessions, read pool stats, force a scheduler
// task to run, and check cluster status.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/sandboxd/pkg/sandboxctl"
	"github.com/spf13/cobra"
)

var (
	apiAddr     string
	adminSecret string
)

var rootCmd = &cobra.Command{
	Use:   "sandboxctl",
	Short: "Operator CLI for the sandboxd control plane admin API",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api-addr", "http://localhost:8082", "Admin API base URL")
	rootCmd.PersistentFlags().StringVar(&adminSecret, "admin-secret", os.Getenv("SANDBOXCTL_ADMIN_SECRET"), "Admin API bearer secret")

	rootCmd.AddCommand(sandboxesCmd, sessionsCmd, poolCmd, triggerCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newClient() *sandboxctl.Client {
	return sandboxctl.NewClient(apiAddr, adminSecret)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var sandboxesCmd = &cobra.Command{
	Use:   "sandboxes [id]",
	Short: "List sandboxes, or show one by ID",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		ctx := context.Background()
		if len(args) == 1 {
			sb, err := c.GetSandbox(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(sb)
		}
		sandboxes, err := c.ListSandboxes(ctx)
		if err != nil {
			return err
		}
		return printJSON(sandboxes)
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions [id]",
	Short: "List sessions, or show one by ID",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		ctx := context.Background()
		if len(args) == 1 {
			sess, err := c.GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(sess)
		}
		sessions, err := c.ListSessions(ctx)
		if err != nil {
			return err
		}
		return printJSON(sessions)
	},
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Show pool manager stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := newClient().PoolStats(context.Background())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <task>",
	Short: "Force a scheduler task to run immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().TriggerTask(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("triggered %s\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster/raft status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient().ClusterStatus(context.Background())
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}
