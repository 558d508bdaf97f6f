package whatsapp

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/user/pion-call-gateway/internal/bridge"
)

// DefaultSTUN is the ICE server used when none is configured. WhatsApp
// offers as ice-lite, so the answering side runs full ICE and needs STUN.
const DefaultSTUN = "stun:stun.l.google.com:19302"

// Server serves an answered call until it ends. *bridge.Bridge implements it.
type Server interface {
	Serve(ctx context.Context, caller bridge.CallerConn) error
}

type Options struct {
	ICEServers []string
	// GatherTimeout bounds ICE candidate gathering before the answer is sent.
	GatherTimeout time.Duration
	// ConnectTimeout bounds the wait for ICE between pre_accept and accept.
	// The call is accepted anyway when it expires.
	ConnectTimeout time.Duration
}

// NewAPI builds a pion API matching what WhatsApp offers: Opus with in-band
// FEC, telephone-event, and the header extensions present in its SDP.
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCapability,
		PayloadType:        opusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, errors.Wrap(err, "register opus")
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: "audio/telephone-event", ClockRate: 8000},
		PayloadType:        telephoneEventPT,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, errors.Wrap(err, "register telephone-event")
	}
	for _, uri := range []string{
		"urn:ietf:params:rtp-hdrext:ssrc-audio-level",
		"http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time",
		"http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01",
	} {
		if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: uri}, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, errors.Wrapf(err, "register extension %s", uri)
		}
	}

	s := webrtc.SettingEngine{}
	// WhatsApp offers actpass; answer as DTLS client.
	if err := s.SetAnsweringDTLSRole(webrtc.DTLSRoleClient); err != nil {
		return nil, errors.Wrap(err, "dtls role")
	}
	s.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6})

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)), nil
}

var opusCapability = webrtc.RTPCodecCapability{
	MimeType:     webrtc.MimeTypeOpus,
	ClockRate:    48000,
	Channels:     2,
	SDPFmtpLine:  "minptime=10;useinbandfec=1",
	RTCPFeedback: []webrtc.RTCPFeedback{{Type: "transport-cc"}},
}

// Gateway answers inbound WhatsApp calls and serves them on a bridge.
type Gateway struct {
	api      *webrtc.API
	config   webrtc.Configuration
	signaler Signaler
	server   Server
	opts     Options

	mu sync.Mutex
	// calls holds reserved call ids; the value is nil while negotiating.
	calls map[string]*Call
}

func NewGateway(api *webrtc.API, signaler Signaler, server Server, opts Options) *Gateway {
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = 3 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	var cfg webrtc.Configuration
	if len(opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	return &Gateway{
		api:      api,
		config:   cfg,
		signaler: signaler,
		server:   server,
		opts:     opts,
		calls:    make(map[string]*Call),
	}
}

// Active reports the number of calls being negotiated or served.
func (g *Gateway) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// Handle dispatches one call event. Connect events are answered in the
// background under ctx, which should outlive the webhook request.
func (g *Gateway) Handle(ctx context.Context, ev CallEvent) {
	logger := log.With().Str("component", "whatsapp").Str("call_id", ev.ID).Logger()
	switch ev.Event {
	case EventConnect:
		offer, ok := ev.Offer()
		if !ok {
			logger.Debug().Str("direction", ev.Direction).Msg("connect event without inbound offer")
			return
		}
		go func() {
			if err := g.answer(ctx, ev.ID, ev.From, offer); err != nil {
				logger.Error().Err(err).Msg("whatsapp call failed")
			}
		}()
	case EventTerminate:
		if g.terminate(ev.ID) {
			logger.Info().Msg("whatsapp call terminated")
		} else {
			logger.Debug().Msg("terminate for unknown call")
		}
	default:
		logger.Debug().Str("event", ev.Event).Str("status", ev.Status).Msg("whatsapp call event")
	}
}

func (g *Gateway) reserve(callID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.calls[callID]; ok {
		return false
	}
	g.calls[callID] = nil
	return true
}

// bind records the negotiated call. It fails when the call was terminated
// while negotiating.
func (g *Gateway) bind(callID string, c *Call) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.calls[callID]; !ok {
		return false
	}
	g.calls[callID] = c
	return true
}

func (g *Gateway) release(callID string) {
	g.mu.Lock()
	delete(g.calls, callID)
	g.mu.Unlock()
}

func (g *Gateway) terminate(callID string) bool {
	g.mu.Lock()
	c, ok := g.calls[callID]
	delete(g.calls, callID)
	g.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
	return ok
}

func (g *Gateway) answer(ctx context.Context, callID, from, rawOffer string) error {
	if !g.reserve(callID) {
		log.Debug().Str("call_id", callID).Msg("duplicate connect ignored")
		return nil
	}
	defer g.release(callID)

	offer, err := CleanOffer(rawOffer)
	if err != nil {
		return err
	}
	call, answerSDP, connected, err := g.negotiate(ctx, callID, from, offer)
	if err != nil {
		return err
	}
	defer call.Close()
	if !g.bind(callID, call) {
		return errors.New("call terminated during negotiation")
	}

	if err := g.signaler.PreAccept(ctx, callID, answerSDP); err != nil {
		return errors.Wrap(err, "pre-accept")
	}
	select {
	case <-connected:
	case <-time.After(g.opts.ConnectTimeout):
		log.Warn().Str("call_id", callID).Msg("ice not connected before accept")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := g.signaler.Accept(ctx, callID, answerSDP); err != nil {
		return errors.Wrap(err, "accept")
	}
	log.Info().Str("call_id", callID).Str("caller_id", from).Msg("whatsapp call accepted")

	return g.server.Serve(ctx, call)
}

// negotiate answers offer on a new peer connection. The returned channel is
// closed once ICE connects.
func (g *Gateway) negotiate(ctx context.Context, callID, from, offer string) (*Call, string, <-chan struct{}, error) {
	pc, err := g.api.NewPeerConnection(g.config)
	if err != nil {
		return nil, "", nil, errors.Wrap(err, "new peer connection")
	}
	call := newCall(callID, from, pc)

	connected := make(chan struct{})
	var connectedOnce sync.Once
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debug().Str("call_id", callID).Str("state", state.String()).Msg("ice state")
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			connectedOnce.Do(func() { close(connected) })
		case webrtc.ICEConnectionStateFailed:
			go call.Close()
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go call.receive(track)
	})

	fail := func(err error, msg string) (*Call, string, <-chan struct{}, error) {
		_ = call.Close()
		return nil, "", nil, errors.Wrap(err, msg)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return fail(err, "set remote description")
	}

	track, err := webrtc.NewTrackLocalStaticRTP(opusCapability, "audio", "call-gateway")
	if err != nil {
		return fail(err, "local track")
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return fail(err, "add track")
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	call.out = track

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(err, "create answer")
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(err, "set local description")
	}
	select {
	case <-gathered:
	case <-time.After(g.opts.GatherTimeout):
		log.Warn().Str("call_id", callID).Msg("ice gathering timed out")
	case <-ctx.Done():
		return fail(ctx.Err(), "gathering")
	}
	if local := pc.LocalDescription(); local != nil {
		answer.SDP = local.SDP
	}
	return call, answer.SDP, connected, nil
}
