package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/turnbot/internal/config"
)

var adminBaseURL string

// adminClient talks to a running gateway's operator API.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient() (*adminClient, error) {
	token := os.Getenv("TURNBOT_ADMIN_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TURNBOT_ADMIN_TOKEN environment variable is not set")
	}

	baseURL := adminBaseURL
	if baseURL == "" {
		cfg, err := config.Load(resolveConfigPath())
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		snap := cfg.Snapshot()
		host := snap.Gateway.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		baseURL = fmt.Sprintf("http://%s:%d", host, snap.Gateway.Port)
	}

	return &adminClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *adminClient) do(method, path string, body any) (json.RawMessage, error) {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: %s (%s)", method, path, resp.Status, bytes.TrimSpace(raw))
	}
	return raw, nil
}

func printJSON(raw json.RawMessage) {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(out.String())
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operate a running gateway",
		Long:  "Operator commands for a running gateway. Requires TURNBOT_ADMIN_TOKEN; the gateway address comes from the config file unless --url is given.",
	}
	cmd.PersistentFlags().StringVar(&adminBaseURL, "url", "", "gateway base URL (default: from config)")

	cmd.AddCommand(adminStatusCmd())
	cmd.AddCommand(adminKillSwitchCmd())
	cmd.AddCommand(adminManualCmd())
	cmd.AddCommand(adminBreakerCmd())
	cmd.AddCommand(adminLimitsCmd())
	return cmd
}

func adminStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show kill switch and circuit breaker state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAdminClient()
			if err != nil {
				return err
			}
			raw, err := c.do(http.MethodGet, "/admin/status", nil)
			if err != nil {
				return err
			}
			printJSON(raw)
			return nil
		},
	}
}

func adminKillSwitchCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "killswitch on|off",
		Short: "Activate or clear the global kill switch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var active bool
			switch args[0] {
			case "on":
				active = true
			case "off":
				active = false
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			c, err := newAdminClient()
			if err != nil {
				return err
			}
			raw, err := c.do(http.MethodPost, "/admin/killswitch",
				map[string]any{"active": active, "reason": reason})
			if err != nil {
				return err
			}
			printJSON(raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the switch is being thrown")
	return cmd
}

func adminManualCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manual <conversation> on|off",
		Short: "Hand a conversation to a human (or back to the bot)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[1] {
			case "on":
				enabled = true
			case "off":
				enabled = false
			default:
				return fmt.Errorf("expected on or off, got %q", args[1])
			}
			c, err := newAdminClient()
			if err != nil {
				return err
			}
			raw, err := c.do(http.MethodPost, "/admin/manual/"+args[0],
				map[string]any{"enabled": enabled})
			if err != nil {
				return err
			}
			printJSON(raw)
			return nil
		},
	}
}

func adminBreakerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Circuit breaker operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Clear the breaker window and close the breaker",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAdminClient()
			if err != nil {
				return err
			}
			raw, err := c.do(http.MethodPost, "/admin/breaker/reset", nil)
			if err != nil {
				return err
			}
			printJSON(raw)
			return nil
		},
	})
	return cmd
}

func adminLimitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Rate limit operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear <conversation>",
		Short: "Drop the conversation's recorded rate window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAdminClient()
			if err != nil {
				return err
			}
			raw, err := c.do(http.MethodPost, "/admin/ratelimits/"+args[0]+"/clear", nil)
			if err != nil {
				return err
			}
			printJSON(raw)
			return nil
		},
	})
	return cmd
}
