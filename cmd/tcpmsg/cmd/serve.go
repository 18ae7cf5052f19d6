package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tcpmsg"
	"tcpmsg/internal/config"
)

type serveFlags struct {
	addr      string
	adminAddr string
	echoSync  bool
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a tcpmsg server",
		Long: `Run a tcpmsg server from configuration.

Examples:
  tcpmsg serve                            # listen on :9000
  tcpmsg serve --addr 127.0.0.1:9000 --echo
  tcpmsg serve -c tcpmsg.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			overrides := map[string]any{}
			if cmd.Flags().Changed("addr") {
				overrides["server.addr"] = flags.addr
			}
			if cmd.Flags().Changed("admin-addr") {
				overrides["server.admin_addr"] = flags.adminAddr
			}
			if cmd.Flags().Changed("echo") {
				overrides["server.echo"] = flags.echoSync
			}
			cfg, err := config.LoadWithOverrides(configPath, overrides)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&flags.addr, "addr", ":9000", "TCP listen address")
	cmd.Flags().StringVar(&flags.adminAddr, "admin-addr", "", "Admin API listen address (empty to disable)")
	cmd.Flags().BoolVar(&flags.echoSync, "echo", false, "Answer sync requests by echoing the payload")
	return cmd
}

func runServe(ctx context.Context, cfg config.AppConfig) error {
	log := newLogger(cfg.Log)
	opts, fingerprint, err := cfg.ServerOptions()
	if err != nil {
		return err
	}
	opts.Logger = log
	if fingerprint != "" {
		log.Info("self-signed certificate generated", "sha256", fingerprint)
	}

	opts.Events = tcpmsg.ServerEvents{
		MessageReceived: func(ci tcpmsg.ClientInfo, msg *tcpmsg.Message) {
			log.Info("message received",
				"endpoint", ci.EndpointID,
				"len", len(msg.Payload),
				"metadata", msg.Metadata)
		},
		ClientConnected: func(ci tcpmsg.ClientInfo) {
			log.Info("client up", "endpoint", ci.EndpointID, "sid", ci.SessionID)
		},
		ClientDisconnected: func(ci tcpmsg.ClientInfo, reason tcpmsg.DisconnectReason) {
			log.Info("client down", "endpoint", ci.EndpointID, "reason", reason.String())
		},
	}
	if cfg.Server.Echo {
		opts.Events.SyncRequest = func(_ tcpmsg.ClientInfo, req *tcpmsg.SyncRequest) (*tcpmsg.Message, error) {
			return &tcpmsg.Message{Metadata: req.Metadata, Payload: req.Payload}, nil
		}
	}

	srv, err := tcpmsg.NewServer(opts)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(runCtx)
}
