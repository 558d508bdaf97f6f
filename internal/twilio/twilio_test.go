package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/pion-call-gateway/internal/bridge"
	"github.com/user/pion-call-gateway/internal/orchestrator"
)

func TestRenderPlayAndCollect(t *testing.T) {
	out, err := Render(orchestrator.Directive{
		PlayURL:      "https://gw.example/audio/a.mp3?x=1&y=2",
		Collect:      true,
		SpeechAction: "https://gw.example/speech",
	}, "")
	require.NoError(t, err)

	assert.Contains(t, out, "<Response>")
	assert.Contains(t, out, "<Gather")
	assert.Contains(t, out, `input="speech"`)
	assert.Contains(t, out, `action="https://gw.example/speech"`)
	assert.Contains(t, out, "<Play>https://gw.example/audio/a.mp3?x=1&amp;y=2</Play>")
	assert.Contains(t, out, "<Redirect")
	assert.Less(t, strings.Index(out, "<Gather"), strings.Index(out, "<Play>"))
	assert.Less(t, strings.Index(out, "</Gather>"), strings.Index(out, "<Redirect"))
}

func TestRenderSayUsesVoice(t *testing.T) {
	out, err := Render(orchestrator.Directive{Say: "Sorry, I'm having trouble.", Collect: true, SpeechAction: "/speech"}, "")
	require.NoError(t, err)
	assert.Contains(t, out, `voice="alice"`)
	assert.Contains(t, out, "having trouble.</Say>")
}

func TestRenderStream(t *testing.T) {
	out, err := Render(orchestrator.Directive{
		StreamURL:    "wss://gw.example/media-stream",
		StreamParams: map[string]string{"caller_id": "+27821234567", "call_id": "CA1", "empty": ""},
	}, "")
	require.NoError(t, err)
	assert.Contains(t, out, "<Connect>")
	assert.Contains(t, out, `url="wss://gw.example/media-stream"`)
	assert.Contains(t, out, `name="caller_id"`)
	assert.Contains(t, out, `value="+27821234567"`)
	assert.NotContains(t, out, `name="empty"`)
	assert.NotContains(t, out, "<Gather")
}

func TestRenderHangup(t *testing.T) {
	out, err := Render(orchestrator.Directive{Say: "Goodbye.", Hangup: true}, "Polly.Joanna")
	require.NoError(t, err)
	assert.Contains(t, out, "<Hangup")
	assert.Contains(t, out, `voice="Polly.Joanna"`)

	_, err = Render(orchestrator.Directive{Collect: true}, "")
	require.Error(t, err)
}

// streamPair returns the server side MediaStream and the client side
// websocket that plays Twilio.
func streamPair(t *testing.T) (*MediaStream, *websocket.Conn) {
	t.Helper()
	srvConn := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		srvConn <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ms := NewMediaStream(<-srvConn)
	t.Cleanup(func() { _ = ms.Close() })
	return ms, client
}

func sendJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(v))
}

func TestMediaStreamHandshakeAndFrames(t *testing.T) {
	ms, twilio := streamPair(t)

	sendJSON(t, twilio, map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"})
	sendJSON(t, twilio, map[string]any{
		"event":     "start",
		"streamSid": "MZ123",
		"start": map[string]any{
			"streamSid":        "MZ123",
			"callSid":          "CA123",
			"customParameters": map[string]string{"caller_id": "+27000000001"},
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := ms.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, "CA123", info.CallID)
	assert.Equal(t, "MZ123", info.StreamID)
	assert.Equal(t, "+27000000001", info.CallerID)

	payload := []byte{0xff, 0x7f, 0x00}
	sendJSON(t, twilio, map[string]any{
		"event":     "media",
		"streamSid": "MZ123",
		"media":     map[string]any{"track": "inbound", "payload": base64.StdEncoding.EncodeToString(payload)},
	})
	sendJSON(t, twilio, map[string]any{"event": "mark", "streamSid": "MZ123", "mark": map[string]any{"name": "m1"}})

	f, err := ms.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, bridge.Frame{Kind: bridge.FrameMedia, Payload: payload}, f)
	f, err = ms.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, bridge.FrameMark, f.Kind)

	require.NoError(t, ms.WriteFrame(bridge.Frame{Kind: bridge.FrameMedia, Payload: []byte("abc")}))
	require.NoError(t, ms.WriteFrame(bridge.Frame{Kind: bridge.FrameClear}))
	require.NoError(t, ms.WriteFrame(bridge.Frame{Kind: bridge.FrameMark}))

	var out map[string]any
	require.NoError(t, twilio.ReadJSON(&out))
	assert.Equal(t, "media", out["event"])
	assert.Equal(t, "MZ123", out["streamSid"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("abc")), out["media"].(map[string]any)["payload"])

	out = nil
	require.NoError(t, twilio.ReadJSON(&out))
	assert.Equal(t, map[string]any{"event": "clear", "streamSid": "MZ123"}, out)

	sendJSON(t, twilio, map[string]any{"event": "stop", "streamSid": "MZ123"})
	_, err = ms.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}

func TestMediaStreamLocalCloseReadsEOF(t *testing.T) {
	ms, _ := streamPair(t)
	done := make(chan error, 1)
	go func() {
		_, err := ms.ReadFrame()
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ms.Close())
	require.NoError(t, ms.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not unblock")
	}
}

func TestMediaStreamStopBeforeStart(t *testing.T) {
	ms, twilio := streamPair(t)
	sendJSON(t, twilio, map[string]any{"event": "stop"})
	_, err := ms.Start(context.Background())
	require.Error(t, err)
}

func TestMediaStreamStartStopsOnCancel(t *testing.T) {
	ms, twilio := streamPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ms.Start(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return after cancel")
	}

	// The far side sees the stream closed rather than left hanging.
	_ = twilio.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := twilio.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestMediaStreamStartTimesOut(t *testing.T) {
	ms, _ := streamPair(t)
	ms.HandshakeTimeout = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := ms.Start(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("start ignored the handshake timeout")
	}
}

func TestMediaStreamRejectsBadJSON(t *testing.T) {
	ms, twilio := streamPair(t)
	require.NoError(t, twilio.WriteMessage(websocket.TextMessage, []byte("{nope")))
	_, err := ms.ReadFrame()
	require.Error(t, err)

	var syntax *json.SyntaxError
	assert.ErrorAs(t, err, &syntax)
}
