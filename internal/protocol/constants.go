package protocol

import "time"

// This is the protocol version exchanged in the connection request. Peers with a different
// version are answered with an incompatible protocol version message.
const PROTOCOL_VERSION byte = 1

// This specifies the maximum size of a datagram that can be read from the socket.
const MAX_MTU_SIZE int = 1500

// This specifies the minimum MTU size that a datagram must be allowed to have.
const MIN_MTU_SIZE int = 500

// This is the default size of an outgoing frame in bytes.
const DEFAULT_MTU_SIZE int = 1400

// This is the number of bits used by a reliable sequence number. Sequence numbers wrap at 32768.
const SEQUENCE_BITS int = 15

// This is the mask applied to a sequence number after it has been advanced.
const SEQUENCE_MASK uint16 = 1<<SEQUENCE_BITS - 1

// This is the number of sequence numbers covered by the ack history including the newest one.
const ACK_HISTORY_SIZE int = 64

// This is the number of bits used to send the ack delay of a reliable frame.
const ACK_DELAY_BITS int = 16

// This is the largest ack delay in milliseconds that is reported to the peer.
const MAX_ACK_DELAY time.Duration = 6000 * time.Millisecond

// This contains the size of the reliable frame header in bits, excluding the frame kind bit.
// Sequence (15 bits)
// Ack Sequence (15 bits)
// Ack History (64 bits)
// Ack Delay (16 bits)
const HEADER_BITS int = SEQUENCE_BITS + SEQUENCE_BITS + ACK_HISTORY_SIZE + ACK_DELAY_BITS

// This is the furthest distance ahead of the delivery cursor that a reliable frame is buffered at.
const MAX_REORDER_DISTANCE int = 512

// This is the maximum number of frames that the reorder buffer may hold before the connection
// is considered broken.
const MAX_REORDER_ENTRIES int = 512

// This is the number of unacknowledged reliable frames after which the connection is dropped.
const MAX_SEND_WINDOW int = 450

// This is the time after which an unacknowledged reliable frame is sent again.
const RESEND_TIMEOUT time.Duration = 333 * time.Millisecond

// This is the number of received frames after which an ack-only frame is forced.
const FORCE_ACK_COUNT int = 16

// This is the time after which a received frame that has not been acknowledged forces an ack-only frame.
const FORCE_ACK_DELAY time.Duration = 33 * time.Millisecond

// This is the time of unreliable silence after which a heartbeat frame is sent.
const HEARTBEAT_INTERVAL time.Duration = 1000 * time.Millisecond

// This is the time after which a connection that received nothing is dropped.
const CONNECTION_TIMEOUT time.Duration = 6000 * time.Millisecond

// This is the interval between two connection requests sent to the same address.
const CONNECT_RETRY time.Duration = 500 * time.Millisecond

// This is the time after which an unanswered connection attempt fails.
const CONNECT_TIMEOUT time.Duration = 5 * time.Second

// The time after which a request that has not been answered fails.
const REQUEST_TIMEOUT time.Duration = 3 * time.Second

// This is the default interval of the socket's tick loop.
const TPS time.Duration = 10 * time.Millisecond

// This is the number of bits used by a message id.
const MESSAGE_ID_BITS int = 11

// This is the number of bits used by a message target.
const TARGET_BITS int = 20

// This is the largest message id that can be written.
const MAX_MESSAGE_ID uint16 = 1<<MESSAGE_ID_BITS - 1

// This is the largest message target that can be written.
const MAX_TARGET uint32 = 1<<TARGET_BITS - 1

// This is the smallest number of bits a message can take on the wire: the id and the target flag.
const MESSAGE_HEADER_BITS int = MESSAGE_ID_BITS + 1

// This is the smallest number of bits that must be writable before a message is written.
const MESSAGE_MIN_WRITE_BITS int = MESSAGE_HEADER_BITS + TARGET_BITS

// This is the first message id reserved for commands. Ids below it are negotiated at runtime.
const COMMAND_ID_BASE uint16 = 1800

// This is the number of bits used by the count prefix of an array.
const ARRAY_LENGTH_BITS int = 16
