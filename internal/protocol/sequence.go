package protocol

// Distance returns the signed distance from b to a for two 15-bit sequence numbers. A positive
// result means that a is newer than b. Both values are shifted into the top of a 16-bit word so
// that the subtraction wraps at the sequence boundary.
//
// The single ambiguous distance of half the sequence space is resolved by the order of the raw
// values so that Distance(a, b) == -Distance(b, a) holds for every pair.
func Distance(a, b uint16) int {
	d := int(int16(a<<1-b<<1) >> 1)
	if d == -1<<(SEQUENCE_BITS-1) && a < b {
		return -d
	}
	return d
}

// Next returns the sequence number that follows seq.
func Next(seq uint16) uint16 {
	return (seq + 1) & SEQUENCE_MASK
}

// Newer reports whether a is newer than b.
func Newer(a, b uint16) bool {
	return Distance(a, b) > 0
}
