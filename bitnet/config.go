package bitnet

import (
	"log/slog"
	"time"

	"github.com/gamevidea/bitnet/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Config holds the settings of a socket. The zero value of every field but Authority is replaced
// by its default when the socket is created.
type Config struct {
	// Authority makes the socket own the canonical table of call ids. Exactly one peer of a group
	// of connected sockets should be the authority.
	Authority bool

	// MTU is the largest frame in bytes the socket sends.
	MTU int

	// HalfVectors writes vectors and quaternions in half precision.
	HalfVectors bool

	// TickInterval is the interval at which Serve ticks every connection.
	TickInterval time.Duration

	// ConnectRetry is the interval at which a connection request is sent again.
	ConnectRetry time.Duration

	// ConnectTimeout is the time after which an unanswered connection attempt fails.
	ConnectTimeout time.Duration

	// ConnectionTimeout is the time of silence after which a connection is dropped.
	ConnectionTimeout time.Duration

	// RequestTimeout is the time after which an unanswered request fails.
	RequestTimeout time.Duration

	// PongData is sent in response to unconnected pings.
	PongData []byte

	// Namespace prefixes the names of the metrics of the socket.
	Namespace string

	Events Events

	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
	Clock      Clock
}

// DefaultConfig returns the configuration a socket uses for the fields left empty.
func DefaultConfig() Config {
	return Config{
		MTU:               protocol.DEFAULT_MTU_SIZE,
		TickInterval:      protocol.TPS,
		ConnectRetry:      protocol.CONNECT_RETRY,
		ConnectTimeout:    protocol.CONNECT_TIMEOUT,
		ConnectionTimeout: protocol.CONNECTION_TIMEOUT,
		RequestTimeout:    protocol.REQUEST_TIMEOUT,
		Namespace:         "bitnet",
		Logger:            slog.Default(),
		Tracer:            otel.Tracer("github.com/gamevidea/bitnet"),
		Clock:             SystemClock,
	}
}

// withDefaults fills the empty fields of c from DefaultConfig and validates the result.
func (c Config) withDefaults() (Config, error) {
	def := DefaultConfig()

	if c.MTU == 0 {
		c.MTU = def.MTU
	}
	if c.TickInterval == 0 {
		c.TickInterval = def.TickInterval
	}
	if c.ConnectRetry == 0 {
		c.ConnectRetry = def.ConnectRetry
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = def.ConnectionTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.Namespace == "" {
		c.Namespace = def.Namespace
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	if c.Tracer == nil {
		c.Tracer = def.Tracer
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}

	return c, c.validate()
}

func (c Config) validate() error {
	switch {
	case c.MTU < protocol.MIN_MTU_SIZE || c.MTU > protocol.MAX_MTU_SIZE:
		return &ConfigError{Field: "MTU", Reason: "must be between 500 and 1500 bytes"}
	case c.TickInterval < 0:
		return &ConfigError{Field: "TickInterval", Reason: "must not be negative"}
	case c.ConnectRetry < 0 || c.ConnectTimeout < c.ConnectRetry:
		return &ConfigError{Field: "ConnectTimeout", Reason: "must not be shorter than ConnectRetry"}
	case c.ConnectionTimeout < protocol.HEARTBEAT_INTERVAL:
		return &ConfigError{Field: "ConnectionTimeout", Reason: "must not be shorter than the heartbeat interval"}
	case c.RequestTimeout < 0:
		return &ConfigError{Field: "RequestTimeout", Reason: "must not be negative"}
	case len(c.PongData) > 1<<16-1:
		return &ConfigError{Field: "PongData", Reason: "too long"}
	}
	return nil
}
