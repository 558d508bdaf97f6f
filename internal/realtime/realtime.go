// Package realtime is the agent side of a media bridge: a websocket session
// with the OpenAI realtime API. Caller audio is appended to the input buffer
// and the model's audio deltas come back as media frames.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/user/pion-call-gateway/internal/bridge"
)

const (
	DefaultURL         = "wss://api.openai.com/v1/realtime"
	DefaultModel       = "gpt-4o-realtime-preview"
	DefaultVoice       = "alloy"
	DefaultAudioFormat = "g711_ulaw"
)

// Instructions returns the system instructions for a new agent session.
type Instructions func(ctx context.Context, info bridge.StartInfo) string

type Config struct {
	URL    string
	APIKey string
	// Model is the agent id sent as the model query parameter.
	Model string
	Voice string
	// AudioFormat is used for both directions; the bridge does not
	// transcode, so it must match what the caller transport carries.
	AudioFormat      string
	HandshakeTimeout time.Duration
}

// Dialer opens one realtime session per call.
type Dialer struct {
	cfg          Config
	instructions Instructions
	dialer       websocket.Dialer
}

func NewDialer(cfg Config, instructions Instructions) *Dialer {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = DefaultAudioFormat
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Dialer{
		cfg:          cfg,
		instructions: instructions,
		dialer:       websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
}

var _ bridge.AgentDialer = (*Dialer)(nil)

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities        []string      `json:"modalities"`
	Instructions      string        `json:"instructions,omitempty"`
	Voice             string        `json:"voice"`
	InputAudioFormat  string        `json:"input_audio_format"`
	OutputAudioFormat string        `json:"output_audio_format"`
	TurnDetection     turnDetection `json:"turn_detection"`
}

type turnDetection struct {
	Type string `json:"type"`
}

func (d *Dialer) Dial(ctx context.Context, info bridge.StartInfo) (bridge.FrameConn, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "realtime url")
	}
	q := u.Query()
	q.Set("model", d.cfg.Model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	ws, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial realtime: %s", resp.Status)
		}
		return nil, errors.Wrap(err, "dial realtime")
	}

	var instructions string
	if d.instructions != nil {
		instructions = d.instructions(ctx, info)
	}
	c := &Conn{ws: ws, callID: info.CallID}
	err = c.writeJSON(sessionUpdate{
		Type: "session.update",
		Session: sessionConfig{
			Modalities:        []string{"text", "audio"},
			Instructions:      instructions,
			Voice:             d.cfg.Voice,
			InputAudioFormat:  d.cfg.AudioFormat,
			OutputAudioFormat: d.cfg.AudioFormat,
			TurnDetection:     turnDetection{Type: "server_vad"},
		},
	})
	if err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "send session.update")
	}
	return c, nil
}

// Conn is a realtime session seen as a bridge.FrameConn.
type Conn struct {
	ws     *websocket.Conn
	callID string

	wmu       sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

type serverEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type appendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// ReadFrame skips events the bridge does not relay and returns the next
// audio delta or barge-in signal. A server error event ends the session.
func (c *Conn) ReadFrame() (bridge.Frame, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return bridge.Frame{}, io.EOF
			}
			return bridge.Frame{}, err
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return bridge.Frame{}, errors.Wrap(err, "decode realtime event")
		}
		switch ev.Type {
		case "response.audio.delta", "response.output_audio.delta":
			payload, err := base64.StdEncoding.DecodeString(ev.Delta)
			if err != nil {
				return bridge.Frame{}, errors.Wrap(err, "decode audio delta")
			}
			return bridge.Frame{Kind: bridge.FrameMedia, Payload: payload}, nil
		case "input_audio_buffer.speech_started":
			return bridge.Frame{Kind: bridge.FrameClear}, nil
		case "error":
			if ev.Error != nil {
				return bridge.Frame{}, errors.Errorf("realtime error %s: %s", ev.Error.Code, ev.Error.Message)
			}
			return bridge.Frame{}, errors.New("realtime error")
		case "session.created", "session.updated":
			log.Debug().Str("call_id", c.callID).Str("event", ev.Type).Msg("realtime session ready")
		}
	}
}

// WriteFrame appends caller audio to the input buffer. Clear frames from the
// caller side have no meaning to the agent and are dropped.
func (c *Conn) WriteFrame(f bridge.Frame) error {
	if f.Kind != bridge.FrameMedia {
		return nil
	}
	return c.writeJSON(appendEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(f.Payload),
	})
}

func (c *Conn) writeJSON(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
