package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-analyst/internal/coordinator"
	"github.com/basket/go-analyst/internal/tui"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var (
		addr  string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running gateway's health (/healthz)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Gateway.BindAddr
			}
			c := &gatewayClient{base: baseURL(addr), token: cfg.Gateway.AuthToken, http: http.DefaultClient}
			if watch {
				return tui.Run(cmd.Context(), c.snapshotProvider(cmd.Context()))
			}
			return c.health(cmd.Context(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default gateway.bind_addr)")
	cmd.Flags().BoolVar(&watch, "watch", false, "live dashboard polling /api/status")
	return cmd
}

func baseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

type gatewayClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *gatewayClient) get(ctx context.Context, path string) (*http.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.base+path, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// health copies /healthz to out and fails on a non-200 answer.
func (c *gatewayClient) health(ctx context.Context, out io.Writer) error {
	resp, err := c.get(ctx, "/healthz")
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = out.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = out.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway unhealthy: %s", resp.Status)
	}
	return nil
}

type statusPayload struct {
	Orchestrator   coordinator.StatusReport   `json:"orchestrator"`
	StoredTasks    map[coordinator.Status]int `json:"stored_tasks"`
	BusSubscribers int                        `json:"bus_subscribers"`
	BusDropped     int64                      `json:"bus_dropped"`
}

func (c *gatewayClient) status(ctx context.Context) (statusPayload, error) {
	var p statusPayload
	resp, err := c.get(ctx, "/api/status")
	if err != nil {
		return p, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return p, fmt.Errorf("GET /api/status: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return p, fmt.Errorf("decode status: %w", err)
	}
	return p, nil
}

// snapshotProvider turns /api/status polls into dashboard snapshots. A
// failed poll keeps the previous counters and reports the error.
func (c *gatewayClient) snapshotProvider(ctx context.Context) tui.StatusProvider {
	start := time.Now()
	var last tui.Snapshot
	return func() tui.Snapshot {
		p, err := c.status(ctx)
		snap := last
		snap.Uptime = time.Since(start)
		if err != nil {
			snap.DBOK = false
			snap.LastError = err.Error()
			return snap
		}
		snap = tui.Snapshot{
			DBOK:        p.StoredTasks != nil,
			Sessions:    len(p.Orchestrator.Sessions),
			Active:      p.Orchestrator.Active,
			Tasks:       p.Orchestrator.Tasks,
			StoredTasks: p.StoredTasks,
			Policy:      p.Orchestrator.Policy,
			BusDropped:  p.BusDropped,
			Subscribers: p.BusSubscribers,
			LastEvent:   "status polled " + time.Now().Format(time.TimeOnly),
			Uptime:      snap.Uptime,
		}
		last = snap
		return snap
	}
}
