// jsrf is the CLI entry point.
//
// This tool runs either side of the JSRF packet protocol: a server that
// answers channel negotiation and echoes calls, or a client that digs a
// service channel and sends lines read from stdin over it. Peers connect
// over WebSocket, or over a WebRTC DataChannel signaled through the same
// server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/jsrf/internal/config"
	"github.com/1ureka/jsrf/internal/endpoint"
	"github.com/1ureka/jsrf/internal/transport"
	"github.com/1ureka/jsrf/internal/util"
)

var version = "dev"

var cfgFile string

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jsrf",
		Short:         "Binary RPC and state-sync protocol endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./jsrf.yaml if present)")
	config.AddFlags(root.PersistentFlags())

	root.AddCommand(newServeCmd(), newDialCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the jsrf version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "jsrf version %s\n", version)
		},
	}
}

// loadConfig resolves the configuration for role and applies the ambient
// settings (debug logging, stats reporter, metrics endpoint).
func loadConfig(cmd *cobra.Command, role config.Role) (*config.Config, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Role = role
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := util.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	if cfg.Debug {
		util.EnableDebug()
	}
	pterm.Info.Println(fmt.Sprintf("jsrf v%s (%s, %s payloads)", version, role, cfg.Format))
	pterm.Println()

	ctx := cmd.Context()
	if cfg.StatsInterval > 0 {
		util.StartStatsReporter(ctx, cfg.StatsInterval)
	}
	if cfg.MetricsAddr != "" {
		if err := serveMetrics(ctx, cfg.MetricsAddr); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// endpointOptions adds CLI error reporting to the configured options.
func endpointOptions(cfg *config.Config) endpoint.Options {
	opts := cfg.EndpointOptions()
	opts.OnError = func(c *endpoint.Conn, err error) {
		var he *endpoint.HandlerError
		if errors.As(err, &he) {
			util.LogError("[%08x] %v", c.ID(), err)
		}
	}
	return opts
}

// serveMetrics exposes the traffic counters and Go runtime metrics on
// addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if err := util.RegisterMetrics(reg); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("metrics server failed: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	util.LogInfo("metrics available at http://%s/metrics", addr)
	return nil
}

// normalizeURL validates a server URL, defaulting the scheme to ws and the
// path to the protocol endpoint.
func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = transport.DefaultPath
	}
	return u.String(), nil
}
