package whatsapp

import (
	"context"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/user/pion-call-gateway/internal/bridge"
)

const (
	opusPayloadType      = 111
	telephoneEventPT     = 126
	opusSamplesPerPacket = 960 // 20ms at 48kHz
	inboundQueue         = 64
)

// packetizer stamps outbound payloads with a continuous sequence number and
// timestamp for one SSRC.
type packetizer struct {
	mu      sync.Mutex
	ssrc    uint32
	pt      uint8
	seq     uint16
	ts      uint32
	samples uint32
	started bool
}

func newPacketizer(pt uint8, samples uint32) *packetizer {
	return &packetizer{
		ssrc:    rand.Uint32(),
		pt:      pt,
		seq:     uint16(rand.Uint32()),
		ts:      rand.Uint32(),
		samples: samples,
	}
}

func (p *packetizer) packet(payload []byte) *rtp.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         !p.started,
			PayloadType:    p.pt,
			SequenceNumber: p.seq,
			Timestamp:      p.ts,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	p.started = true
	p.seq++
	p.ts += p.samples
	return pkt
}

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
}

// Call is an answered WhatsApp call seen as the caller side of a bridge.
// Inbound RTP payloads are queued by the track reader; outbound frames are
// packetized onto the local track.
type Call struct {
	id   string
	from string

	peer io.Closer
	out  rtpWriter
	pkt  *packetizer

	frames    chan bridge.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newCall(id, from string, peer io.Closer) *Call {
	return &Call{
		id:     id,
		from:   from,
		peer:   peer,
		pkt:    newPacketizer(opusPayloadType, opusSamplesPerPacket),
		frames: make(chan bridge.Frame, inboundQueue),
		done:   make(chan struct{}),
	}
}

var _ bridge.CallerConn = (*Call)(nil)

// Start has nothing to wait for: the call id and caller are known from the
// connect event.
func (c *Call) Start(context.Context) (bridge.StartInfo, error) {
	return bridge.StartInfo{
		CallID:   c.id,
		StreamID: c.id,
		CallerID: c.from,
		Params:   map[string]string{"transport": "whatsapp"},
	}, nil
}

func (c *Call) ReadFrame() (bridge.Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		return bridge.Frame{}, io.EOF
	}
}

func (c *Call) WriteFrame(f bridge.Frame) error {
	if f.Kind != bridge.FrameMedia || c.out == nil {
		return nil
	}
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	return c.out.WriteRTP(c.pkt.packet(f.Payload))
}

// Close ends the call. The peer connection is closed outside the once so
// that state callbacks fired by it may call Close again.
func (c *Call) Close() error {
	first := false
	c.closeOnce.Do(func() {
		close(c.done)
		first = true
	})
	if !first || c.peer == nil {
		return nil
	}
	return c.peer.Close()
}

// deliver queues one inbound payload, blocking while the queue is full so
// that order is kept. It reports false once the call is closed.
func (c *Call) deliver(payload []byte) bool {
	select {
	case c.frames <- bridge.Frame{Kind: bridge.FrameMedia, Payload: payload}:
		return true
	case <-c.done:
		return false
	}
}

func (c *Call) receive(track *webrtc.TrackRemote) {
	logger := log.With().Str("call_id", c.id).Str("codec", track.Codec().MimeType).Logger()
	logger.Info().Msg("whatsapp audio track started")
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if err != io.EOF {
				logger.Debug().Err(err).Msg("whatsapp track read ended")
			}
			return
		}
		if pkt.PayloadType == telephoneEventPT || len(pkt.Payload) == 0 {
			continue
		}
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		if !c.deliver(payload) {
			return
		}
	}
}
