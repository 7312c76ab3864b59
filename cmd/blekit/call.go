package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"blekit/client"
	"blekit/discovery"
	"blekit/loadbalance"
	"blekit/logging"
	"blekit/transport"
)

var (
	callAddr    string
	callKey     string
	callTimeout time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <cmd> [payload-hex]",
	Short: "Send a command to a server and print the reply payload",
	Long: `call sends one command to a server of the configured protocol. With
--addr the server is dialled directly; otherwise it is discovered through
the configured etcd endpoints.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseCommand(args[0])
		if err != nil {
			return err
		}
		var payload []byte
		if len(args) == 2 {
			if payload, err = parseHex(args[1]); err != nil {
				return err
			}
		}

		pc := cfg.ServedProtocol()
		topts, err := pc.TransportOptions()
		if err != nil {
			return err
		}
		topts = append(topts, transport.WithLogger(logging.For("transport")))

		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()

		var reply []byte
		if callAddr != "" {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", callAddr)
			if err != nil {
				return err
			}
			t := transport.NewClientTransport(conn, topts...)
			defer t.Close()
			reply, err = t.Call(ctx, id, payload)
			if err != nil {
				return err
			}
		} else {
			if len(cfg.Discovery.Etcd) == 0 {
				return fmt.Errorf("call: no --addr given and no discovery.etcd endpoints configured")
			}
			reg, err := discovery.NewEtcdRegistry(cfg.Discovery.Etcd)
			if err != nil {
				return err
			}
			defer reg.Close()

			c := client.NewClient(reg,
				client.WithBalancer(loadbalance.New(cfg.Discovery.Balancer)),
				client.WithProtocol(pc.Name, topts...),
			)
			defer c.Close()
			reply, err = c.CallKey(ctx, pc.Name, callKey, id, payload)
			if err != nil {
				return err
			}
		}

		fmt.Fprintln(cmd.OutOrStdout(), formatHex(reply))
		return nil
	},
}

func init() {
	callCmd.Flags().StringVar(&callAddr, "addr", "", "server address to dial directly")
	callCmd.Flags().StringVar(&callKey, "key", "", "routing key for the consistent_hash balancer")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 5*time.Second, "call timeout")
	rootCmd.AddCommand(callCmd)
}
