package whatsapp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/pion-call-gateway/internal/bridge"
)

const connectWebhook = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "1234",
    "changes": [{
      "field": "calls",
      "value": {
        "messaging_product": "whatsapp",
        "calls": [{
          "id": "wacid.ABC",
          "event": "connect",
          "direction": "USER_INITIATED",
          "from": "27821234567",
          "to": "15550001111",
          "timestamp": "1718000000",
          "session": {"sdp_type": "offer", "sdp": "v=0\r\n"}
        }, {
          "id": "wacid.DEF",
          "event": "terminate",
          "direction": "USER_INITIATED",
          "from": "27821234567",
          "to": "15550001111",
          "status": "COMPLETED"
        }]
      }
    }]
  }, {
    "id": "5678",
    "changes": [{"field": "messages", "value": {"messages": [{"id": "m1"}]}}]
  }]
}`

func TestParseCallEvents(t *testing.T) {
	events, err := ParseCallEvents([]byte(connectWebhook))
	require.NoError(t, err)
	require.Len(t, events, 2)

	offer, ok := events[0].Offer()
	assert.True(t, ok)
	assert.Equal(t, "v=0\r\n", offer)
	assert.Equal(t, "27821234567", events[0].From)

	_, ok = events[1].Offer()
	assert.False(t, ok)
	assert.Equal(t, EventTerminate, events[1].Event)

	_, err = ParseCallEvents([]byte("{"))
	require.Error(t, err)
}

func TestOfferRequiresUserInitiated(t *testing.T) {
	ev := CallEvent{ID: "x", Event: EventConnect, Direction: "BUSINESS_INITIATED",
		Session: &CallSession{SDPType: "offer", SDP: "v=0"}}
	_, ok := ev.Offer()
	assert.False(t, ok)
}

func TestVerifySubscription(t *testing.T) {
	q := url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"secret"}, "hub.challenge": {"42"}}
	challenge, ok := VerifySubscription(q, "secret")
	assert.True(t, ok)
	assert.Equal(t, "42", challenge)

	_, ok = VerifySubscription(q, "other")
	assert.False(t, ok)
	q.Set("hub.mode", "unsubscribe")
	_, ok = VerifySubscription(q, "secret")
	assert.False(t, ok)
}

const opusOffer = "v=0\\r\\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\\r\\n" +
	"s=-\\r\\n" +
	"t=0 0\\r\\n" +
	"a=ice-lite\\r\\n" +
	"m=audio 3480 UDP/TLS/RTP/SAVPF 111 126\\r\\n" +
	"c=IN IP4 157.240.0.1\\r\\n" +
	"a=rtpmap:111 opus/48000/2\\r\\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\\r\\n" +
	"a=rtpmap:126 telephone-event/8000\\r\\n" +
	"a=sendrecv"

func TestCleanOffer(t *testing.T) {
	offer, err := CleanOffer("  " + opusOffer + "  ")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(offer, "v=0\r\n"))
	assert.True(t, strings.HasSuffix(offer, "a=sendrecv\r\n"))
	assert.NotContains(t, offer, `\r\n`)

	_, err = CleanOffer("not sdp")
	require.Error(t, err)

	pcmuOnly := strings.NewReplacer("111 126", "0", "a=rtpmap:111 opus/48000/2", "a=rtpmap:0 PCMU/8000").Replace(opusOffer)
	_, err = CleanOffer(pcmuOnly)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PCMU")
}

func TestGraphActions(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []map[string]any
		auth []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/99/calls", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		got = append(got, body)
		auth = append(auth, r.Header.Get("Authorization"))
		mu.Unlock()
		if body["action"] == "accept" && body["call_id"] == "bad" {
			http.Error(w, `{"error":{"message":"call not found"}}`, http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	g := NewGraph(srv.URL, "tok", "99")
	ctx := context.Background()
	require.NoError(t, g.PreAccept(ctx, "wacid.1", "answer-sdp"))
	require.NoError(t, g.Accept(ctx, "wacid.1", "answer-sdp"))
	err := g.Accept(ctx, "bad", "answer-sdp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "call not found")

	require.Len(t, got, 3)
	assert.Equal(t, "pre_accept", got[0]["action"])
	assert.Equal(t, "whatsapp", got[0]["messaging_product"])
	assert.Equal(t, map[string]any{"sdp_type": "answer", "sdp": "answer-sdp"}, got[0]["session"])
	assert.NotContains(t, got[0], "biz_opaque_callback_data")
	assert.Equal(t, "accept", got[1]["action"])
	assert.Contains(t, got[1], "biz_opaque_callback_data")
	assert.Equal(t, []string{"Bearer tok", "Bearer tok", "Bearer tok"}, auth)

	err = NewGraph(srv.URL, "", "99").PreAccept(ctx, "x", "y")
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestPacketizerSequence(t *testing.T) {
	p := newPacketizer(opusPayloadType, opusSamplesPerPacket)
	first := p.packet([]byte{1})
	second := p.packet([]byte{2})
	third := p.packet([]byte{3})

	assert.True(t, first.Marker)
	assert.False(t, second.Marker)
	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	assert.Equal(t, second.SequenceNumber+1, third.SequenceNumber)
	assert.Equal(t, first.Timestamp+opusSamplesPerPacket, second.Timestamp)
	assert.Equal(t, first.SSRC, third.SSRC)

	raw, err := second.Marshal()
	require.NoError(t, err)
	var back rtp.Packet
	require.NoError(t, back.Unmarshal(raw))
	assert.Equal(t, uint8(opusPayloadType), back.PayloadType)
	assert.Equal(t, []byte{2}, back.Payload)
}

type capture struct {
	mu   sync.Mutex
	pkts []*rtp.Packet
}

func (c *capture) WriteRTP(p *rtp.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pkts = append(c.pkts, p)
	return nil
}

type closeCounter struct{ n int }

func (c *closeCounter) Close() error { c.n++; return nil }

func TestCallFrames(t *testing.T) {
	peer := &closeCounter{}
	c := newCall("wacid.1", "27821234567", peer)
	out := &capture{}
	c.out = out

	info, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wacid.1", info.CallID)
	assert.Equal(t, "27821234567", info.CallerID)
	assert.Equal(t, "whatsapp", info.Params["transport"])

	require.True(t, c.deliver([]byte("a")))
	require.True(t, c.deliver([]byte("b")))
	f, err := c.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), f.Payload)
	f, err = c.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), f.Payload)

	require.NoError(t, c.WriteFrame(bridge.Frame{Kind: bridge.FrameMedia, Payload: []byte("x")}))
	require.NoError(t, c.WriteFrame(bridge.Frame{Kind: bridge.FrameClear}))
	require.Len(t, out.pkts, 1)
	assert.Equal(t, []byte("x"), out.pkts[0].Payload)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, peer.n)

	_, err = c.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
	assert.False(t, c.deliver([]byte("late")))
	assert.Error(t, c.WriteFrame(bridge.Frame{Kind: bridge.FrameMedia, Payload: []byte("y")}))
}

// browserOffer creates an offer from a default pion peer connection, which
// offers Opus on payload type 111 like WhatsApp does.
func browserOffer(t *testing.T) string {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))
	return pc.LocalDescription().SDP
}

func testGateway(t *testing.T, sig Signaler, srv Server) *Gateway {
	t.Helper()
	api, err := NewAPI()
	require.NoError(t, err)
	return NewGateway(api, sig, srv, Options{GatherTimeout: time.Second, ConnectTimeout: 50 * time.Millisecond})
}

func TestNegotiateAnswersAsDTLSClient(t *testing.T) {
	g := testGateway(t, nil, nil)
	offer, err := CleanOffer(browserOffer(t))
	require.NoError(t, err)

	call, answer, connected, err := g.negotiate(context.Background(), "wacid.1", "27821234567", offer)
	require.NoError(t, err)
	defer call.Close()

	assert.NotNil(t, connected)
	assert.Contains(t, answer, "opus/48000/2")
	assert.Contains(t, answer, "a=setup:active")
	assert.NotNil(t, call.out)
}

type fakeSignaler struct {
	mu      sync.Mutex
	actions []string
}

func (f *fakeSignaler) PreAccept(_ context.Context, callID, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, "pre_accept:"+callID)
	return nil
}

func (f *fakeSignaler) Accept(_ context.Context, callID, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, "accept:"+callID)
	return nil
}

type fakeServer struct {
	started chan bridge.StartInfo
	ended   chan error
}

func (f *fakeServer) Serve(ctx context.Context, caller bridge.CallerConn) error {
	info, err := caller.Start(ctx)
	if err != nil {
		return err
	}
	f.started <- info
	for {
		if _, err := caller.ReadFrame(); err != nil {
			f.ended <- err
			return nil
		}
	}
}

func TestGatewayAcceptsAndTerminates(t *testing.T) {
	sig := &fakeSignaler{}
	srv := &fakeServer{started: make(chan bridge.StartInfo, 1), ended: make(chan error, 1)}
	g := testGateway(t, sig, srv)

	ev := CallEvent{
		ID:        "wacid.1",
		Event:     EventConnect,
		Direction: DirectionUserInitiated,
		From:      "27821234567",
		Session:   &CallSession{SDPType: "offer", SDP: browserOffer(t)},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Handle(ctx, ev)
	g.Handle(ctx, ev)

	select {
	case info := <-srv.started:
		assert.Equal(t, "wacid.1", info.CallID)
		assert.Equal(t, "27821234567", info.CallerID)
	case <-time.After(5 * time.Second):
		t.Fatal("call was not served")
	}
	sig.mu.Lock()
	assert.Equal(t, []string{"pre_accept:wacid.1", "accept:wacid.1"}, sig.actions)
	sig.mu.Unlock()
	assert.Equal(t, 1, g.Active())

	g.Handle(ctx, CallEvent{ID: "wacid.1", Event: EventTerminate})
	select {
	case err := <-srv.ended:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("terminate did not end the call")
	}
	assert.Eventually(t, func() bool { return g.Active() == 0 }, time.Second, 10*time.Millisecond)
}

func TestGatewayRejectsBadOffer(t *testing.T) {
	g := testGateway(t, &fakeSignaler{}, &fakeServer{})
	err := g.answer(context.Background(), "wacid.2", "27821234567", "garbage")
	require.Error(t, err)
	assert.Equal(t, 0, g.Active())
	assert.False(t, g.terminate("wacid.2"))
}
