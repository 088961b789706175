package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/gamevidea/bitnet/bitnet"
	"github.com/gamevidea/bitnet/codec"
	"github.com/spf13/cobra"
)

func connectCmd() *cobra.Command {
	var (
		name  string
		text  string
		count int
	)

	cmd := &cobra.Command{
		Use:   "connect <addr>",
		Short: "Connect to a socket, echo a message and say it in chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()

			raddr, err := net.ResolveUDPAddr("udp", args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancelCause(ctx)

			var s *bitnet.Socket
			s, err = bitnet.Listen(":0", bitnet.Config{
				Logger: log,
				Events: bitnet.Events{
					Ready: func(c *bitnet.Connection) {
						echoed := 0
						for i := 0; i < count; i++ {
							r, err := s.SendRequest(c, "Echo", fmt.Sprintf("%s #%d", text, i+1))
							if err != nil {
								cancel(err)
								return
							}
							r.Then(func(r *bitnet.Request) {
								values, err := r.Result()
								if err != nil {
									cancel(err)
									return
								}
								fmt.Printf("echo: %s (ping %s)\n", values[0].(string), c.Ping())
								if echoed++; echoed == count {
									c.Disconnect()
								}
							})
						}
						s.Send(c, "Chat", name, text)
					},
					Disconnected: func(c *bitnet.Connection, err error) {
						cancel(err)
					},
					Failed: func(addr net.Addr, err error) {
						cancel(err)
					},
				},
			})
			if err != nil {
				return err
			}
			defer s.Close()

			err = s.RegisterRequest("Echo", echoParams, echoParams, nil)
			err = errors.Join(err, s.Register("Chat", chatParams, func(c *bitnet.Connection, m *codec.Message) {
				fmt.Printf("<%s> %s\n", m.Params[0].(string), m.Params[1].(string))
			}))
			if err != nil {
				return err
			}

			if _, err := s.Connect(raddr, nil); err != nil {
				return err
			}

			err = s.Serve(ctx)
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, bitnet.ErrClosed) && !errors.Is(cause, context.Canceled) {
				return cause
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "guest", "Name to chat as")
	cmd.Flags().StringVarP(&text, "message", "m", "hello", "Message to send")
	cmd.Flags().IntVarP(&count, "count", "n", 3, "Number of echo requests")

	return cmd
}
