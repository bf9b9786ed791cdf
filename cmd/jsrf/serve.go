package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/1ureka/jsrf/internal/config"
	"github.com/1ureka/jsrf/internal/endpoint"
	"github.com/1ureka/jsrf/internal/protocol"
	"github.com/1ureka/jsrf/internal/util"
)

// echoService is registered on every connection the server accepts.
const echoService = "echo"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a server with an echo service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, config.RoleServer)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	srv, err := endpoint.NewServer(endpointOptions(cfg))
	if err != nil {
		return err
	}
	defer srv.Close()

	srv.RegisterService(echoService, protocol.BidirectionalCall, echo)

	if err := srv.ListenAndServe(ctx, cfg.Listen, cfg.ICEServers...); err != nil {
		return err
	}
	util.LogInfo("server stopped")
	return nil
}

// echo replies on the same channel: CALL is answered with RETURN, any
// other opcode is sent back unchanged.
func echo(ctx context.Context, c *endpoint.Conn, pkt *protocol.Packet) error {
	util.LogDebug("[%08x] echo %s", c.ID(), pkt)
	op := pkt.Opcode
	if op == protocol.OpCall {
		op = protocol.OpReturn
	}
	return c.Send(ctx, op, pkt.Channel, pkt.Payload)
}
