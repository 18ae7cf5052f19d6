package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"tcpmsg"
	"tcpmsg/internal/config"
)

type sendFlags struct {
	addr     string
	psk      string
	metadata string
	sync     bool
	timeout  time.Duration
}

func newSendCmd() *cobra.Command {
	flags := &sendFlags{}

	cmd := &cobra.Command{
		Use:   "send [payload]",
		Short: "Connect and send one message",
		Long: `Connect to a tcpmsg server, send one message, and exit. The payload
is the first argument, or stdin when omitted. With --sync the command
waits for the peer's response and prints it.

Examples:
  tcpmsg send --addr 127.0.0.1:9000 "hello"
  tcpmsg send --metadata '{"role":"greeter"}' "hello"
  tcpmsg send --sync --timeout 5s "ping"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := map[string]any{}
			if cmd.Flags().Changed("addr") {
				overrides["client.addr"] = flags.addr
			}
			if cmd.Flags().Changed("psk") {
				overrides["client.preshared_key"] = flags.psk
			}
			cfg, err := config.LoadWithOverrides(configPath, overrides)
			if err != nil {
				return err
			}
			return runSend(cmd, cfg, flags, args)
		},
	}

	cmd.Flags().StringVar(&flags.addr, "addr", "127.0.0.1:9000", "Server address")
	cmd.Flags().StringVar(&flags.psk, "psk", "", "Preshared key (16 bytes)")
	cmd.Flags().StringVar(&flags.metadata, "metadata", "", "Metadata as a JSON object")
	cmd.Flags().BoolVar(&flags.sync, "sync", false, "Send synchronously and wait for the response")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 5*time.Second, "Sync response timeout (>= 1s)")
	return cmd
}

func runSend(cmd *cobra.Command, cfg config.AppConfig, flags *sendFlags, args []string) error {
	log := newLogger(cfg.Log)

	var payload []byte
	if len(args) == 1 {
		payload = []byte(args[0])
	} else {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		payload = b
	}

	var md map[string]any
	if flags.metadata != "" {
		if err := json.Unmarshal([]byte(flags.metadata), &md); err != nil {
			return fmt.Errorf("parse metadata: %w", err)
		}
	}

	opts := cfg.ClientOptions()
	opts.Logger = log

	cli, err := tcpmsg.NewClient(opts)
	if err != nil {
		return err
	}
	if err := cli.Connect(cmd.Context()); err != nil {
		return err
	}
	defer cli.Close()

	msg := &tcpmsg.Message{Metadata: md, Payload: payload}
	if !flags.sync {
		return cli.Send(msg)
	}

	resp, err := cli.SendAndWait(flags.timeout, msg)
	if err != nil {
		return err
	}
	if len(resp.Metadata) > 0 {
		enc, _ := json.Marshal(resp.Metadata)
		fmt.Fprintln(cmd.OutOrStdout(), string(enc))
	}
	_, err = cmd.OutOrStdout().Write(append(resp.Payload, '\n'))
	return err
}
