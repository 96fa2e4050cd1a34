package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/manhpham90vn/tunnel/internal/endpoint"
	"github.com/manhpham90vn/tunnel/internal/endpoint/store"
	"github.com/spf13/cobra"
)

var (
	serverURLFlag  string
	proxyURLFlag   string
	authSecretFlag string
)

// parseLogLevel converts TUNNEL_LOG_LEVEL's value to a slog.Level, defaulting
// to info for an unset or unrecognised value (spec.md §6).
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(os.Getenv("TUNNEL_LOG_LEVEL"))})))

	root := &cobra.Command{
		Use:   "endpoint",
		Short: "runs the tunnel endpoint, acting as both agent and controller",
	}
	root.PersistentFlags().StringVar(&serverURLFlag, "server", "ws://127.0.0.1:7070/ws", "relay control-channel url")
	root.PersistentFlags().StringVar(&proxyURLFlag, "proxy", "", "optional socks5/http proxy url for dialling the relay")
	root.PersistentFlags().StringVar(&authSecretFlag, "auth-secret", "", "shared secret for the relay's optional access gate, must match its auth.shared_secret")

	root.AddCommand(newRunCmd())
	root.AddCommand(newInfoCmd())
	root.AddCommand(newConnectCmd())
	root.AddCommand(newDisconnectCmd())
	root.AddCommand(newTunnelsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openEndpoint() (*endpoint.Endpoint, *store.Store, error) {
	st, err := store.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("opening state store: %w", err)
	}
	agentID, err := st.EnsureAgentID()
	if err != nil {
		return nil, nil, fmt.Errorf("ensuring agent id: %w", err)
	}

	saved, err := st.Load()
	if err != nil {
		return nil, nil, err
	}
	relayURL := serverURLFlag
	if !rootCmdFlagChanged() && saved.ServerURL != "" {
		relayURL = saved.ServerURL
	}

	cfg := endpoint.DefaultConfig(relayURL, agentID)
	if proxyURLFlag != "" {
		cfg.Proxy = endpoint.ProxyConfig{URL: proxyURLFlag, HealthTimeout: 5 * time.Second, RecheckInterval: 60 * time.Second}
	}
	cfg.Auth.SharedSecret = authSecretFlag

	ep, err := endpoint.New(cfg, st)
	if err != nil {
		return nil, nil, err
	}
	return ep, st, nil
}

// rootCmdFlagChanged reports whether --server holds a value other than its
// default; passing --server with the default url counts as not changed, so
// a saved server_url then still takes precedence.
func rootCmdFlagChanged() bool {
	return serverURLFlag != "ws://127.0.0.1:7070/ws"
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "connect to the relay and serve agent + controller roles until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, _, err := openEndpoint()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			go logEvents(ctx, ep)

			info := ep.GetAgentInfo()
			slog.Info("starting endpoint", "agent_id", info.AgentID, "server_url", info.ServerURL)
			return ep.Run(ctx)
		},
	}
}

func logEvents(ctx context.Context, ep *endpoint.Endpoint) {
	ev := ep.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case connected := <-ev.ConnectionStatus:
			slog.Info("connection status changed", "connected", connected)
		case <-ev.TunnelsUpdated:
			slog.Info("tunnels updated", "tunnels", ep.GetTunnels())
		case msg := <-ev.ServerError:
			slog.Warn("server error", "message", msg)
		}
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "print this endpoint's agent id and configured server url",
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, _, err := openEndpoint()
			if err != nil {
				return err
			}
			info := ep.GetAgentInfo()
			fmt.Printf("agent_id:  %s\nserver_url: %s\nconnected: %v\n", info.AgentID, info.ServerURL, info.Connected)
			return nil
		},
	}
}

func newConnectCmd() *cobra.Command {
	var remoteHost string
	var remotePort, localPort int

	cmd := &cobra.Command{
		Use:   "connect <target-agent-id>",
		Short: "request a tunnel to a remote agent and expose it on a local port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, _, err := openEndpoint()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- ep.Run(ctx) }()

			if err := waitForConnection(ctx, ep); err != nil {
				return err
			}
			if err := ep.ConnectToAgent(args[0], remoteHost, remotePort, localPort); err != nil {
				return fmt.Errorf("requesting tunnel: %w", err)
			}
			fmt.Printf("tunnel requested to %s (%s:%d) -> local port %d\n", args[0], remoteHost, remotePort, localPort)

			<-ctx.Done()
			return <-done
		},
	}
	cmd.Flags().StringVar(&remoteHost, "remote-host", "127.0.0.1", "host to reach from the target agent")
	cmd.Flags().IntVar(&remotePort, "remote-port", 0, "port to reach from the target agent")
	cmd.Flags().IntVar(&localPort, "local-port", 0, "local port to bind once the tunnel is ready")
	_ = cmd.MarkFlagRequired("remote-port")
	_ = cmd.MarkFlagRequired("local-port")
	return cmd
}

func waitForConnection(ctx context.Context, ep *endpoint.Endpoint) error {
	ev := ep.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case connected := <-ev.ConnectionStatus:
			if connected {
				return nil
			}
		}
	}
}

func newDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <session-id>",
		Short: "tear down a tunnel by session id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, _, err := openEndpoint()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			go ep.Run(ctx)
			if err := waitForConnection(ctx, ep); err != nil {
				return err
			}
			return ep.DisconnectTunnel(args[0])
		},
	}
}

func newTunnelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tunnels",
		Short: "list this endpoint's current tunnels",
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, _, err := openEndpoint()
			if err != nil {
				return err
			}
			for _, t := range ep.GetTunnels() {
				fmt.Printf("%s  %s  %s:%d  local=%d  %s\n", t.SessionID, t.Role, t.RemoteHost, t.RemotePort, t.LocalPort, t.Status)
			}
			return nil
		},
	}
}
