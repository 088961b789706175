package bitnet

import (
	"errors"
	"fmt"
)

// This error is sent when the peer acknowledged frames so far ahead of a frame we sent that the
// ack history can no longer report on it. Ordering cannot be guaranteed after it.
var ErrAckRollover = errors.New("bitnet: ack history rolled over an unacknowledged frame")

// This error is sent when more frames arrived out of order than the reorder buffer can hold.
var ErrReorderOverflow = errors.New("bitnet: reorder buffer overflow")

// This error is sent when too many reliable frames are waiting for an ack.
var ErrSendWindowFull = errors.New("bitnet: too many unacknowledged reliable frames")

// This error is sent when nothing has been received from the peer for too long.
var ErrTimedOut = errors.New("bitnet: connection timed out")

// This error is sent when the peer closed the connection.
var ErrRemoteClosed = errors.New("bitnet: connection closed by peer")

// This error is sent when the connection was closed locally.
var ErrClosed = errors.New("bitnet: connection closed")

// This error is returned when a message is sent on a connection that is no longer connected.
var ErrNotConnected = errors.New("bitnet: connection is not connected")

// This error is returned when a message does not fit into an empty frame.
var ErrMessageTooLarge = errors.New("bitnet: message does not fit into a frame")

// This error is returned when a call name has no id agreed with the peers yet.
var ErrUnknownCall = errors.New("bitnet: call has no negotiated id")

// This error is returned when a call or command is registered twice.
var ErrDuplicate = errors.New("bitnet: already registered")

// This error is returned when a command id is outside of the range reserved for commands.
var ErrCommandRange = errors.New("bitnet: command id outside of [1800, 2048)")

// This error is returned when every negotiable id has been assigned.
var ErrSymbolsExhausted = errors.New("bitnet: no free call ids left")

// This error is sent to Events.Failed when the socket refused the connection request.
var ErrConnectionDenied = errors.New("bitnet: connection denied")

// This error is sent to Events.Failed when the socket speaks another protocol version.
var ErrIncompatibleProtocol = errors.New("bitnet: incompatible protocol version")

// This error is sent to Events.Failed when a connection attempt was not answered in time.
var ErrConnectTimeout = errors.New("bitnet: connection attempt timed out")

// This error is returned by Serve once the socket has been closed.
var ErrSocketClosed = errors.New("bitnet: socket closed")

// This error is returned when a request is sent for a call that was not registered as a request.
var ErrNotRequest = errors.New("bitnet: call is not a request")

// This error is returned when every request id is taken by a request still waiting for its answer.
var ErrRequestIDInUse = errors.New("bitnet: request id still in use")

// This error is reported by a request the peer could not answer.
var ErrRequestFailed = errors.New("bitnet: request failed on the peer")

// This error is reported by a request that was not answered in time.
var ErrRequestTimeout = errors.New("bitnet: request timed out")

// This error is returned for the result of a request that has not completed yet.
var ErrRequestPending = errors.New("bitnet: request has not completed")

// ConfigError is returned by NewSocket for an invalid configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("bitnet: invalid config %s: %s", e.Field, e.Reason)
}

// IsProtocolViolation reports whether err is a disconnect reason caused by the peer breaking the
// reliable ordering guarantees.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrAckRollover) || errors.Is(err, ErrReorderOverflow) || errors.Is(err, ErrSendWindowFull)
}

// reasonLabel returns the metric label of a disconnect reason.
func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrAckRollover):
		return "ack_rollover"
	case errors.Is(err, ErrReorderOverflow):
		return "reorder_overflow"
	case errors.Is(err, ErrSendWindowFull):
		return "send_window_full"
	case errors.Is(err, ErrTimedOut):
		return "timeout"
	case errors.Is(err, ErrRemoteClosed):
		return "remote"
	case errors.Is(err, ErrClosed):
		return "local"
	default:
		return "error"
	}
}
