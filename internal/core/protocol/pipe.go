package protocol

import "net"

// Pipe returns two connected in-memory channels. Whatever one end sends the other
// receives, with the same framing and deadline behavior as a TCP channel.
func Pipe(config Config) (Channel, Channel) {
	a, b := net.Pipe()
	left := newStreamChannel(TransportPipe, a, a.LocalAddr(), a.RemoteAddr(), config, a.Close)
	right := newStreamChannel(TransportPipe, b, b.LocalAddr(), b.RemoteAddr(), config, b.Close)
	return left, right
}
