package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// frameHeaderSize is the length prefix of a frame on stream transports: 4 bytes, big-endian.
const frameHeaderSize = 4

// deadlineStream is the subset of net.Conn and *quic.Stream a framed channel needs.
type deadlineStream interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// streamChannel frames messages over a byte stream with a length prefix.
// TCP connections, QUIC streams and in-memory pipes all use it.
type streamChannel struct {
	baseChannel
	stream  deadlineStream
	writeMu sync.Mutex
	header  [frameHeaderSize]byte
}

var _ Channel = (*streamChannel)(nil)

func newStreamChannel(transport TransportType, stream deadlineStream, local, remote net.Addr, config Config, closeFn func() error) *streamChannel {
	c := &streamChannel{stream: stream}
	c.init(transport, local, remote, config, closeFn)
	return c
}

func (c *streamChannel) Send(ctx context.Context, frame []byte) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	if uint64(len(frame)) > uint64(c.config.MaxMessageSize) {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(frame), c.config.MaxMessageSize)
	}

	buf := make([]byte, frameHeaderSize+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[frameHeaderSize:], frame)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.stream.SetWriteDeadline(writeDeadline(ctx, c.config.WriteTimeout))
	release := interruptOnCancel(ctx, func() { _ = c.stream.SetWriteDeadline(aLongTimeAgo) })
	_, err := c.stream.Write(buf)
	release()
	if err != nil {
		if c.isClosed() {
			return ErrChannelClosed
		}
		// a partially written frame leaves the peer's framing undefined
		return c.fail("send", err)
	}

	c.touch()
	return nil
}

func (c *streamChannel) Receive(ctx context.Context) ([]byte, error) {
	if c.isClosed() {
		return nil, ErrChannelClosed
	}

	_ = c.stream.SetReadDeadline(readDeadline(ctx))
	release := interruptOnCancel(ctx, func() { _ = c.stream.SetReadDeadline(aLongTimeAgo) })
	defer release()

	n, err := io.ReadFull(c.stream, c.header[:])
	if err != nil {
		if c.isClosed() {
			return nil, ErrChannelClosed
		}
		if n == 0 && isTimeout(err) {
			return nil, timeoutError(ctx)
		}
		return nil, c.fail("receive", err)
	}

	size := binary.BigEndian.Uint32(c.header[:])
	if size > c.config.MaxMessageSize {
		return nil, c.fail("receive", fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, size, c.config.MaxMessageSize))
	}

	frame := make([]byte, size)
	if _, err = io.ReadFull(c.stream, frame); err != nil {
		if c.isClosed() {
			return nil, ErrChannelClosed
		}
		return nil, c.fail("receive", err)
	}

	c.touch()
	return frame, nil
}
