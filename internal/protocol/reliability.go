package protocol

// Reliability is the kind of a frame. It is written as the first bit of every datagram sent on an
// established connection.
type Reliability uint8

const (
	Unreliable Reliability = iota
	Reliable
)

// Returns whether the reliability is of type Reliable.
func (r Reliability) Reliable() bool {
	return r == Reliable
}

// Returns the bit that the reliability is written as.
func (r Reliability) Bit() bool {
	return r == Reliable
}

// Returns the reliability that the frame kind bit stands for.
func ReliabilityOf(bit bool) Reliability {
	if bit {
		return Reliable
	}
	return Unreliable
}

func (r Reliability) String() string {
	if r == Reliable {
		return "reliable"
	}
	return "unreliable"
}
