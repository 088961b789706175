package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gamevidea/bitnet/bitnet"
	"github.com/spf13/cobra"
)

func pingCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ping <addr>",
		Short: "Query the pong data of a socket without connecting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raddr, err := net.ResolveUDPAddr("udp", args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			answered := false
			s, err := bitnet.Listen(":0", bitnet.Config{
				Logger: logger(),
				Events: bitnet.Events{
					Pong: func(addr net.Addr, rtt time.Duration, data []byte) {
						fmt.Printf("%s: %q in %s\n", addr, data, rtt)
						answered = true
						cancel()
					},
				},
			})
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Post(func() { s.Ping(raddr) }); err != nil {
				return err
			}

			err = s.Serve(ctx)
			if answered {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("no answer from %s within %s", raddr, timeout)
			}
			return err
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 2*time.Second, "Time to wait for the answer")

	return cmd
}
