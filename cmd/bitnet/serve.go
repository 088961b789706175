package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gamevidea/bitnet/bitnet"
	"github.com/gamevidea/bitnet/codec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// Calls known to the demo server and client.
var (
	echoParams = []codec.Tag{codec.TagString}
	chatParams = []codec.Tag{codec.TagString, codec.TagString}
)

func serveCmd() *cobra.Command {
	var (
		addr        string
		metricsAddr string
		pong        string
		mtu         int
		half        bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an authority socket that answers Echo and relays Chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())

			s, err := bitnet.Listen(addr, bitnet.Config{
				Authority:   true,
				MTU:         mtu,
				HalfVectors: half,
				PongData:    []byte(pong),
				Logger:      log,
				Registerer:  reg,
				Events: bitnet.Events{
					Ready: func(c *bitnet.Connection) {
						log.Info("peer ready", "addr", c.Addr().String(), "id", c.ID())
					},
					Disconnected: func(c *bitnet.Connection, err error) {
						log.Info("peer left", "addr", c.Addr().String(), "reason", err)
					},
				},
			})
			if err != nil {
				return err
			}
			defer s.Close()

			err = s.RegisterRequest("Echo", echoParams, echoParams, func(c *bitnet.Connection, m *codec.Message) ([]any, error) {
				return []any{m.Params[0].(string)}, nil
			})
			err = errors.Join(err, s.Register("Chat", chatParams, func(c *bitnet.Connection, m *codec.Message) {
				if err := s.Broadcast("Chat", m.Params[0].(string), m.Params[1].(string)); err != nil {
					log.Warn("chat failed", "error", err)
				}
			}))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("metrics server", "error", err)
					}
				}()
				defer srv.Shutdown(context.Background())
			}

			log.Info("serving", "addr", s.LocalAddr().String(), "guid", s.GUID())
			if err := s.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":19132", "Address to listen on")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Address to serve Prometheus metrics on")
	cmd.Flags().StringVar(&pong, "pong", "bitnet demo", "Data sent in answer to pings")
	cmd.Flags().IntVar(&mtu, "mtu", 1400, "Largest frame in bytes")
	cmd.Flags().BoolVar(&half, "half", false, "Write vectors in half precision")

	return cmd
}
