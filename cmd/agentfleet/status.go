package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/BaSui01/agentfleet/fleet"
	"github.com/BaSui01/agentfleet/internal/tlsutil"
)

// =============================================================================
// 🏥 status 命令
// =============================================================================

func newStatusCmd(root *rootOptions) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the fleet status of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := root.loadConfig()
				if err != nil {
					return err
				}
				scheme := "http"
				if cfg.Server.TLSCertFile != "" {
					scheme = "https"
				}
				addr = scheme + "://localhost:" + strconv.Itoa(cfg.Server.HTTPPort)
			}

			status, raw, err := fetchFleetStatus(tlsutil.SecureHTTPClient(timeout), addr)
			if err != nil {
				return err
			}
			if asJSON {
				_, err = cmd.OutOrStdout().Write(append(raw, '\n'))
				return err
			}
			printFleetStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server base URL (default from server.http_port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	return cmd
}

// fetchFleetStatus 请求 /v1/fleet/status 并解析统一响应结构
func fetchFleetStatus(client *http.Client, addr string) (*fleet.FleetStatus, []byte, error) {
	resp, err := client.Get(strings.TrimRight(addr, "/") + "/v1/fleet/status")
	if err != nil {
		return nil, nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&body); err != nil {
		return nil, nil, fmt.Errorf("decode status response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !body.Success {
		if body.Error != nil {
			return nil, nil, fmt.Errorf("status request failed: %s: %s", body.Error.Code, body.Error.Message)
		}
		return nil, nil, fmt.Errorf("status request failed: HTTP %d", resp.StatusCode)
	}

	var status fleet.FleetStatus
	if err := json.Unmarshal(body.Data, &status); err != nil {
		return nil, nil, fmt.Errorf("decode fleet status: %w", err)
	}
	return &status, body.Data, nil
}

func printFleetStatus(w io.Writer, s *fleet.FleetStatus) {
	health := "ok"
	if s.Faulted {
		health = "FAULTED: " + s.FaultReason
	}
	fmt.Fprintf(w, "topology: %s\nhealth:   %s\nagents:   %d\nload:     %.2f (%d active tasks)\ntasks:    %d completed, %d failed\n",
		s.Topology, health, s.TotalAgents, s.Load, s.ActiveTasks, s.TasksCompleted, s.TasksFailed)

	if len(s.Agents) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tCREATED")
	for _, a := range s.Agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.ID, a.Type, a.Status, a.CreatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}
