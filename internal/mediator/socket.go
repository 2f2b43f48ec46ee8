package mediator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zeusync/distmaster/internal/core/observability/log"
	"github.com/zeusync/distmaster/internal/core/protocol"
	"golang.org/x/sync/errgroup"
)

// Stats counts frames relayed in each direction.
type Stats struct {
	ToInternal uint64
	ToExternal uint64
}

// MediatorSocket joins an external channel to an internal one and forwards frames
// verbatim both ways. Frames keep their order per direction.
type MediatorSocket struct {
	external protocol.Channel
	internal protocol.Channel
	logger   log.Log

	toInternal atomic.Uint64
	toExternal atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

func NewMediatorSocket(external, internal protocol.Channel, logger log.Log) *MediatorSocket {
	if logger == nil {
		logger = log.NewNop()
	}
	return &MediatorSocket{
		external: external,
		internal: internal,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Relay pumps frames until either side fails or ctx ends, then closes both sides.
// It returns the first error; a peer closing its end yields an error matching
// protocol.ErrChannelClosed.
func (s *MediatorSocket) Relay(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.pump(gctx, s.external, s.internal, &s.toInternal)
	})
	g.Go(func() error {
		return s.pump(gctx, s.internal, s.external, &s.toExternal)
	})

	err := g.Wait()
	_ = s.Close()
	s.logger.Debug("Relay stopped",
		log.Uint64("to_internal", s.toInternal.Load()),
		log.Uint64("to_external", s.toExternal.Load()),
		log.Error(err),
	)
	return err
}

func (s *MediatorSocket) pump(ctx context.Context, from, to protocol.Channel, counter *atomic.Uint64) error {
	for {
		frame, err := from.Receive(ctx)
		if err != nil {
			_ = s.Close()
			return err
		}
		if err = to.Send(ctx, frame); err != nil {
			_ = s.Close()
			return err
		}
		counter.Add(1)
	}
}

func (s *MediatorSocket) Stats() Stats {
	return Stats{
		ToInternal: s.toInternal.Load(),
		ToExternal: s.toExternal.Load(),
	}
}

func (s *MediatorSocket) External() protocol.Channel { return s.external }
func (s *MediatorSocket) Internal() protocol.Channel { return s.internal }
func (s *MediatorSocket) Done() <-chan struct{}      { return s.done }

// Close closes both sides. It is idempotent.
func (s *MediatorSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.external.Close()
		_ = s.internal.Close()
	})
	return nil
}
