package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func main() {
	var (
		apiBase  string
		apiToken string
	)

	rootCmd := &cobra.Command{
		Use:   "offsync",
		Short: "Inspect and control a running offsyncd",
	}
	rootCmd.PersistentFlags().StringVar(&apiBase, "api", envOrDefault("OFFSYNC_API", "http://127.0.0.1:8380"), "offsyncd base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", strings.TrimSpace(os.Getenv("OFFSYNC_API_TOKEN")), "bearer token")

	client := &apiClient{base: &apiBase, token: &apiToken}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.getJSON("/v1/sync/status")
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Trigger a drain pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.call(http.MethodPost, "/v1/sync/now", nil)
		},
	})

	opsCmd := &cobra.Command{Use: "ops", Short: "Queued operation commands"}
	opsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.getJSON("/v1/ops")
		},
	})

	var enqueueType, enqueueData, enqueueKey string
	enqueueCmd := &cobra.Command{
		Use:   "add",
		Short: "Queue an operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if enqueueType == "" || enqueueData == "" {
				return fmt.Errorf("--type and --data are required")
			}
			body := map[string]any{
				"type": enqueueType,
				"data": json.RawMessage(enqueueData),
			}
			if enqueueKey != "" {
				body["idempotencyKey"] = enqueueKey
			}
			return client.call(http.MethodPost, "/v1/ops", body)
		},
	}
	enqueueCmd.Flags().StringVar(&enqueueType, "type", "", "operation type (send_message, delete_message, update_message)")
	enqueueCmd.Flags().StringVar(&enqueueData, "data", "", "operation payload as JSON")
	enqueueCmd.Flags().StringVar(&enqueueKey, "key", "", "idempotency key (optional, minted when omitted)")
	opsCmd.AddCommand(enqueueCmd)

	opsCmd.AddCommand(&cobra.Command{
		Use:   "dismiss <id>",
		Short: "Remove an operation from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.call(http.MethodDelete, "/v1/ops/"+args[0], nil)
		},
	})
	opsCmd.AddCommand(&cobra.Command{
		Use:   "retry <id>",
		Short: "Re-queue a failed operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.call(http.MethodPost, "/v1/ops/"+args[0]+"/retry", nil)
		},
	})
	rootCmd.AddCommand(opsCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "dead-letters",
		Short: "List terminally failed operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.getJSON("/v1/sync/dead-letters")
		},
	})

	var onlineFlag bool
	connectivityCmd := &cobra.Command{
		Use:   "connectivity",
		Short: "Report a connectivity signal to the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.call(http.MethodPut, "/v1/connectivity", map[string]any{"online": onlineFlag})
		},
	}
	connectivityCmd.Flags().BoolVar(&onlineFlag, "online", true, "report online (true) or offline (false)")
	rootCmd.AddCommand(connectivityCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Stream sync events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.watch(cmd.Context())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type apiClient struct {
	base  *string
	token *string
}

func (c *apiClient) getJSON(path string) error {
	return c.call(http.MethodGet, path, nil)
}

func (c *apiClient) call(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, strings.TrimRight(*c.base, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if *c.token != "" {
		req.Header.Set("Authorization", "Bearer "+*c.token)
	}

	httpClient := &http.Client{Timeout: 3 * time.Minute}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	printJSON(payload)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s", resp.Status)
	}
	return nil
}

func (c *apiClient) watch(ctx context.Context) error {
	wsURL := strings.TrimRight(*c.base, "/") + "/v1/sync/events"
	wsURL = strings.Replace(wsURL, "http", "ws", 1)

	var opts *websocket.DialOptions
	if *c.token != "" {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+*c.token)
		opts = &websocket.DialOptions{HTTPHeader: header}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var frame json.RawMessage
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		printJSON(frame)
	}
}

func printJSON(raw []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(raw), "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}

func envOrDefault(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
