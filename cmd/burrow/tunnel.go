package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/tunnel"
	"github.com/spf13/cobra"
)

var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Run a standalone tunnel node",
	Long: `Run a tunnel listener separate from the broker, typically in a DMZ.
Tickets are redeemed against the broker's control API; desktop traffic
is relayed directly from this node to the resource endpoint.`,
	RunE: runTunnel,
}

func init() {
	tunnelCmd.Flags().String("listen", ":8443", "tunnel listen address")
	tunnelCmd.Flags().String("cert", "", "TLS certificate file")
	tunnelCmd.Flags().String("key", "", "TLS key file")
	tunnelCmd.Flags().Duration("idle-timeout", 0, "relay idle timeout (0 = none)")
	tunnelCmd.Flags().String("log-level", "info", "log level")
}

func runTunnel(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	cert, _ := cmd.Flags().GetString("cert")
	key, _ := cmd.Flags().GetString("key")
	idle, _ := cmd.Flags().GetDuration("idle-timeout")
	level, _ := cmd.Flags().GetString("log-level")

	log.Init(log.Config{Level: log.Level(level)})

	srv := tunnel.NewServer(tunnel.ServerConfig{
		ListenAddr:  listen,
		CertFile:    cert,
		KeyFile:     key,
		IdleTimeout: idle,
	}, newClient())
	if err := srv.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	srv.Stop()
	return nil
}
