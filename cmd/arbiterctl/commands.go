package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	server  string
	token   string
	timeout time.Duration
}

func (o *rootOptions) client() *Client {
	return newClient(o.server, o.token, o.timeout)
}

// Run executes the CLI and returns the process exit code.
func Run(ctx context.Context, args []string) int {
	root := newRootCmd(Version)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

func newRootCmd(version string) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "arbiterctl",
		Short:        "Inspect and drive agent arbitration for CRM contacts",
		Long:         "arbiterctl calls the arbiter HTTP API. Output is JSON.",
		SilenceUsage: true,
		Version:      version,
	}

	cmd.PersistentFlags().StringVarP(&opts.server, "server", "s", envOr("ARBITER_SERVER", "http://localhost:8080"), "Arbiter server URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("API_TOKEN"), "API bearer token")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 60*time.Second, "Request timeout")

	cmd.AddCommand(newContactCmd(opts))
	cmd.AddCommand(newAssignCmd(opts))
	cmd.AddCommand(newAgentsCmd(opts))
	cmd.AddCommand(newStateCmd(opts))
	cmd.AddCommand(newRecalculateCmd(opts))
	cmd.AddCommand(newHelpModeCmd(opts))
	cmd.AddCommand(newReplyCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newSweepCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))

	cmd.SetVersionTemplate("{{.Version}}\n")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func contactPath(id, suffix string) string {
	return "/api/contacts/" + url.PathEscape(id) + suffix
}

// call runs one request and prints the JSON response.
func call(cmd *cobra.Command, opts *rootOptions, method, path string, body any) error {
	data, err := opts.client().do(cmd.Context(), method, path, body)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), data)
}

func newContactCmd(opts *rootOptions) *cobra.Command {
	var name, email, phone string
	cmd := &cobra.Command{
		Use:   "contact <contact-id>",
		Short: "Create or update a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPut, contactPath(args[0], ""), map[string]string{
				"name":  name,
				"email": email,
				"phone": phone,
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Contact name")
	cmd.Flags().StringVar(&email, "email", "", "Contact email")
	cmd.Flags().StringVar(&phone, "phone", "", "Contact phone")
	return cmd
}

func newAssignCmd(opts *rootOptions) *cobra.Command {
	var (
		productID   string
		contextJSON string
		days        int
	)
	cmd := &cobra.Command{
		Use:   "assign <contact-id> <product-type>",
		Short: "Assign a product agent to a contact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"product_type": args[1]}
			if productID != "" {
				body["product_id"] = productID
			}
			if days > 0 {
				body["days_active"] = days
			}
			if contextJSON != "" {
				var agentContext map[string]any
				if err := json.Unmarshal([]byte(contextJSON), &agentContext); err != nil {
					return fmt.Errorf("--context must be a JSON object: %w", err)
				}
				body["agent_context"] = agentContext
			}
			return call(cmd, opts, http.MethodPost, contactPath(args[0], "/agents"), body)
		},
	}
	cmd.Flags().StringVar(&productID, "product-id", "", "Specific product reference")
	cmd.Flags().StringVar(&contextJSON, "context", "", "Agent context as a JSON object")
	cmd.Flags().IntVar(&days, "days", 0, "Days until expiration (default: agent type policy)")
	return cmd
}

func newAgentsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents <contact-id>",
		Short: "List a contact's product agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, contactPath(args[0], "/agents"), nil)
		},
	}
}

func newStateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state <contact-id>",
		Short: "Show a contact's conversation state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, contactPath(args[0], "/state"), nil)
		},
	}
}

func newRecalculateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recalculate <contact-id>",
		Short: "Re-run arbitration for a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, contactPath(args[0], "/recalculate"), nil)
		},
	}
}

func newHelpModeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "help-mode <contact-id>",
		Short: "Put customer service in front for the help mode window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, contactPath(args[0], "/help-mode"), nil)
		},
	}
}

func newReplyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reply <contact-id>",
		Short: "Record an inbound reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, contactPath(args[0], "/reply"), nil)
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <agent-id> <active|expired|converted|churned|paused>",
		Short: "Change a product agent's lifecycle status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/agents/" + url.PathEscape(args[0]) + "/status"
			return call(cmd, opts, http.MethodPatch, path, map[string]string{"status": args[1]})
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the queue staleness sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, opts, http.MethodPost, "/api/queue/sweep", nil)
		},
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream conversation state events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.client().watch(cmd.Context(), cmd.OutOrStdout())
		},
	}
}
