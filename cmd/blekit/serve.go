package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"blekit/discovery"
	"blekit/logging"
	"blekit/mux"
	"blekit/server"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the configured protocols over TCP",
	RunE: func(cmd *cobra.Command, args []string) error {
		if listenAddr != "" {
			cfg.Server.Listen = listenAddr
			cfg.Server.Advertise = listenAddr
		}
		log := logging.For("serve")

		r, err := buildRegistry(cfg)
		if err != nil {
			return err
		}

		opts := []server.Option{server.WithProtocol(mux.ID(cfg.Server.Protocol))}
		if len(cfg.Discovery.Etcd) > 0 {
			reg, err := discovery.NewEtcdRegistry(cfg.Discovery.Etcd)
			if err != nil {
				return err
			}
			defer reg.Close()
			opts = append(opts, server.WithDiscovery(reg, cfg.Server.Advertise, cfg.Discovery.TTL))
		}
		s := server.NewServer(r, opts...)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errc := make(chan error, 1)
		go func() { errc <- s.ListenAndServe("tcp", cfg.Server.Listen) }()

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}

		log.Info("shutting down")
		shutdownErr := s.Shutdown(cfg.Server.ShutdownTimeoutDuration())
		return errors.Join(shutdownErr, <-errc)
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides server.listen)")
	rootCmd.AddCommand(serveCmd)
}
