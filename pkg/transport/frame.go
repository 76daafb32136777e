package transport

// MaxFrameSize caps a single message payload.
const MaxFrameSize = 1 << 20

// Request/reply payloads carry a trailing NUL on the wire.
func terminate(p []byte) []byte {
	out := make([]byte, len(p)+1)
	copy(out, p)
	return out
}

func trimTerminator(p []byte) []byte {
	if n := len(p); n > 0 && p[n-1] == 0 {
		return p[:n-1]
	}
	return p
}
