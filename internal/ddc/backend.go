package ddc

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

var errBackendClosed = fmt.Errorf("%w: backend closed", ErrTransportUnavailable)

// link moves raw DDC/CI frames to and from a display. Frames handed to writeFrame
// start with the host source byte 0x51.
type link interface {
	writeFrame(f []byte) error
	readFrame(buf []byte) error
	close() error
}

// framedBackend implements Backend on top of a link. The framing, pacing and
// tracing are identical for every transport.
type framedBackend struct {
	kind       BackendKind
	link       link
	pacer      *pacer
	replyDelay time.Duration
	display    string
	log        zerolog.Logger
	tracer     Tracer

	// closed is guarded by pacer.mu
	closed bool
}

func newFramedBackend(kind BackendKind, l link, opts Options) *framedBackend {
	opts = opts.withDefaults()
	return &framedBackend{
		kind:       kind,
		link:       l,
		pacer:      newPacer(opts.TransactionDelay),
		replyDelay: opts.ReplyDelay,
		display:    opts.DisplayID,
		log: opts.Logger.With().
			Str("component", "ddc").
			Str("backend", kind.String()).
			Str("display", opts.DisplayID).
			Logger(),
		tracer: opts.Tracer,
	}
}

func (b *framedBackend) Kind() BackendKind {
	return b.kind
}

func (b *framedBackend) Read(ctx context.Context, vcp VCP) (Reply, error) {
	var reply Reply
	err := b.pacer.do(ctx, func() error {
		if b.closed {
			return errBackendClosed
		}
		req := EncodeGetRequest(vcp)
		if err := b.link.writeFrame(req); err != nil {
			err = fmt.Errorf("%w: write get request: %v", ErrNoReply, err)
			b.tracer.TraceFrame(b.display, b.kind, true, req, err)
			return err
		}
		b.tracer.TraceFrame(b.display, b.kind, true, req, nil)

		// The display needs time to prepare its answer.
		time.Sleep(b.replyDelay)

		buf := make([]byte, ReplyLen)
		if err := b.link.readFrame(buf); err != nil {
			err = fmt.Errorf("%w: read reply: %v", ErrNoReply, err)
			b.tracer.TraceFrame(b.display, b.kind, false, nil, err)
			return err
		}
		r, err := DecodeReply(vcp, buf)
		b.tracer.TraceFrame(b.display, b.kind, false, buf, err)
		if err != nil {
			return err
		}
		reply = r
		return nil
	})
	if err != nil {
		b.log.Debug().Err(err).Stringer("vcp", vcp).Msg("get vcp failed")
		return Reply{}, err
	}
	b.log.Debug().
		Stringer("vcp", vcp).
		Uint16("current", reply.Current).
		Uint16("max", reply.Max).
		Msg("get vcp")
	return reply, nil
}

func (b *framedBackend) Write(ctx context.Context, vcp VCP, value uint16) error {
	err := b.pacer.do(ctx, func() error {
		if b.closed {
			return errBackendClosed
		}
		req := EncodeSetRequest(vcp, value)
		err := b.link.writeFrame(req)
		if err != nil {
			err = fmt.Errorf("%w: write set request: %v", ErrNoReply, err)
		}
		b.tracer.TraceFrame(b.display, b.kind, true, req, err)
		return err
	})
	if err != nil {
		b.log.Debug().Err(err).Stringer("vcp", vcp).Uint16("value", value).Msg("set vcp failed")
		return err
	}
	b.log.Debug().Stringer("vcp", vcp).Uint16("value", value).Msg("set vcp")
	return nil
}

// Close waits for a transaction on the bus to finish before releasing the link.
// Later calls fail with ErrTransportUnavailable.
func (b *framedBackend) Close() error {
	b.pacer.mu.Lock()
	defer b.pacer.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.link.close()
}
