// Package bridge relays audio frames between a caller transport and an agent
// transport for the lifetime of one streaming call.
//
// The bridge does not decode audio. It moves one frame at a time in each
// direction, in arrival order, and tears both sides down as soon as either
// side ends.
package bridge

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/user/pion-call-gateway/internal/metrics"
	"github.com/user/pion-call-gateway/internal/session"
)

type Kind uint8

const (
	// FrameMedia carries an opaque audio payload.
	FrameMedia Kind = iota + 1
	// FrameClear asks the receiving side to drop audio it has buffered but
	// not yet played, used when the caller talks over the agent.
	FrameClear
	// FrameMark and FrameOther are transport control frames that are not
	// relayed.
	FrameMark
	FrameOther
)

func (k Kind) String() string {
	switch k {
	case FrameMedia:
		return "media"
	case FrameClear:
		return "clear"
	case FrameMark:
		return "mark"
	default:
		return "other"
	}
}

type Frame struct {
	Kind    Kind
	Payload []byte
}

// StartInfo is what the caller transport learned from its session start
// handshake.
type StartInfo struct {
	CallID   string
	StreamID string
	CallerID string
	Params   map[string]string
}

// FrameConn is one side of a bridge.
//
// ReadFrame blocks for the next frame. It returns io.EOF when the remote
// side ended the stream cleanly or when Close was called locally. Close must
// be safe to call more than once and concurrently with ReadFrame and
// WriteFrame.
type FrameConn interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// CallerConn is the telephony side. Start runs the transport's handshake and
// must be called once before any frame is read.
type CallerConn interface {
	FrameConn
	Start(ctx context.Context) (StartInfo, error)
}

// AgentDialer opens the agent side for a call.
type AgentDialer interface {
	Dial(ctx context.Context, info StartInfo) (FrameConn, error)
}

type Bridge struct {
	registry  *session.Registry
	dialer    AgentDialer
	metrics   *metrics.Metrics
	transport string
}

// New returns a bridge for one caller transport kind, such as "twilio".
func New(registry *session.Registry, dialer AgentDialer, m *metrics.Metrics, transport string) *Bridge {
	return &Bridge{registry: registry, dialer: dialer, metrics: m, transport: transport}
}

// Serve owns caller until the call ends. It returns after both pumps have
// exited and both connections are closed. A clean stop from either side
// returns nil.
func (b *Bridge) Serve(ctx context.Context, caller CallerConn) error {
	defer caller.Close()

	info, err := caller.Start(ctx)
	if err != nil {
		return errors.Wrap(err, "caller handshake")
	}
	logger := log.With().
		Str("component", "bridge").
		Str("call_id", info.CallID).
		Str("stream_sid", info.StreamID).
		Logger()

	if err := b.registry.AttachStream(info.CallID, info.CallerID, caller); err != nil {
		return err
	}
	defer b.registry.DetachStream(info.CallID)

	agent, err := b.dialer.Dial(ctx, info)
	if err != nil {
		return errors.Wrap(err, "dial agent")
	}
	defer agent.Close()

	started := time.Now()
	b.metrics.RecordStreamStart()
	logger.Info().Str("caller_id", info.CallerID).Msg("media bridge started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return b.pump(gctx, "caller_to_agent", caller, agent)
	})
	g.Go(func() error {
		defer cancel()
		return b.pump(gctx, "agent_to_caller", agent, caller)
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = caller.Close()
		_ = agent.Close()
		return nil
	})

	err = g.Wait()
	status := "ok"
	if err != nil {
		status = "error"
		logger.Warn().Err(err).Dur("duration", time.Since(started)).Msg("media bridge failed")
	} else {
		logger.Info().Dur("duration", time.Since(started)).Msg("media bridge closed")
	}
	b.metrics.RecordStreamEnd(b.transport, status, time.Since(started))
	return err
}

// pump forwards frames from src to dst until src ends or ctx is cancelled.
// Errors that follow a cancellation are the other side shutting us down and
// are not reported.
func (b *Bridge) pump(ctx context.Context, direction string, src, dst FrameConn) error {
	for {
		f, err := src.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "%s: read", direction)
		}
		if f.Kind != FrameMedia && f.Kind != FrameClear {
			continue
		}
		if err := dst.WriteFrame(f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "%s: write", direction)
		}
		b.metrics.RecordFrame(direction, f.Kind.String(), len(f.Payload))
	}
}
