package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/jsrf/internal/config"
	"github.com/1ureka/jsrf/internal/endpoint"
	"github.com/1ureka/jsrf/internal/protocol"
	"github.com/1ureka/jsrf/internal/signaling"
	"github.com/1ureka/jsrf/internal/util"
)

func newDialCmd() *cobra.Command {
	var (
		serviceType string
		linger      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dial <service>",
		Short: "Open a service channel and send stdin lines as CALL packets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := protocol.ParseServiceType(serviceType)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd, config.RoleClient)
			if err != nil {
				return err
			}
			return runDial(cmd.Context(), cfg, args[0], typ, os.Stdin, linger)
		},
	}
	cmd.Flags().StringVar(&serviceType, "type", "bidirectional-call", "service type: json-sync, server-call, client-call, bidirectional-call")
	cmd.Flags().DurationVar(&linger, "linger", time.Second, "how long to wait for replies after stdin ends")
	return cmd
}

// connect opens the configured transport and starts the client pipeline.
func connect(ctx context.Context, cfg *config.Config) (*endpoint.Client, error) {
	wsURL, err := normalizeURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	opts := endpointOptions(cfg)

	if cfg.Transport == config.TransportWebRTC {
		peer, err := signaling.Dial(ctx, wsURL, cfg.ICEServers...)
		if err != nil {
			return nil, fmt.Errorf("failed to establish DataChannel: %w", err)
		}
		return endpoint.NewClient(ctx, peer, opts)
	}
	return endpoint.Dial(ctx, wsURL, opts)
}

func runDial(ctx context.Context, cfg *config.Config, service string, typ protocol.ServiceType, in io.Reader, linger time.Duration) error {
	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	util.LogSuccess("connected to %s over %s", cfg.URL, cfg.Transport)

	channel, err := client.RegisterService(ctx, service, typ, printReply)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", service, err)
	}
	util.LogSuccess("%q bound to channel %d", service, channel)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				select {
				case <-time.After(linger):
				case <-client.Done():
				case <-ctx.Done():
				}
				return nil
			}
			if err := client.Send(ctx, protocol.OpCall, channel, parseLine(line)); err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}
		case <-client.Done():
			util.LogWarning("connection closed by server")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// parseLine sends JSON input as structured data and anything else as a
// plain string.
func parseLine(line string) any {
	var v any
	if json.Valid([]byte(line)) && json.Unmarshal([]byte(line), &v) == nil {
		return v
	}
	return line
}

func printReply(ctx context.Context, c *endpoint.Conn, pkt *protocol.Packet) error {
	pterm.Printfln("%s %s %v", pterm.Cyan(pkt.Opcode), pterm.Gray(fmt.Sprintf("seq=%d", pkt.Seq)), pkt.Payload)
	return nil
}
