package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/user/pion-call-gateway/internal/bridge"
)

const (
	writeTimeout = 5 * time.Second
	// DefaultHandshakeTimeout bounds the wait for Twilio's start event.
	DefaultHandshakeTimeout = 10 * time.Second
)

type streamEvent struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`
	Start     *struct {
		StreamSid        string            `json:"streamSid"`
		CallSid          string            `json:"callSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`
	Media *struct {
		Track   string `json:"track,omitempty"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// MediaStream is the caller side of a bridge over a Twilio <Stream>
// websocket. Outbound messages are stamped with the streamSid captured from
// the start event.
type MediaStream struct {
	conn *websocket.Conn

	// HandshakeTimeout bounds Start even when its context has no deadline.
	HandshakeTimeout time.Duration

	wmu       sync.Mutex
	streamSid string

	closed    atomic.Bool
	closeOnce sync.Once
}

func NewMediaStream(conn *websocket.Conn) *MediaStream {
	return &MediaStream{conn: conn, HandshakeTimeout: DefaultHandshakeTimeout}
}

var _ bridge.CallerConn = (*MediaStream)(nil)

// Start reads until Twilio's start event. The call id is the callSid, or
// the call_id custom parameter when Twilio did not send one. Cancelling ctx
// closes the stream.
func (s *MediaStream) Start(ctx context.Context) (bridge.StartInfo, error) {
	if s.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.HandshakeTimeout)
		defer cancel()
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(dl)
		defer s.conn.SetReadDeadline(time.Time{})
	}

	stop := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		<-watched
	}()

	for {
		ev, err := s.read()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			} else if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
				err = context.DeadlineExceeded
			}
			return bridge.StartInfo{}, errors.Wrap(err, "waiting for start event")
		}
		switch ev.Event {
		case "connected":
			continue
		case "stop":
			return bridge.StartInfo{}, errors.New("stream stopped before start")
		case "start":
		default:
			log.Debug().Str("event", ev.Event).Msg("ignoring media stream event before start")
			continue
		}
		if ev.Start == nil {
			return bridge.StartInfo{}, errors.New("start event without start payload")
		}
		sid := ev.Start.StreamSid
		if sid == "" {
			sid = ev.StreamSid
		}
		params := ev.Start.CustomParameters
		if params == nil {
			params = map[string]string{}
		}
		callID := ev.Start.CallSid
		if callID == "" {
			callID = params["call_id"]
		}
		if sid == "" || callID == "" {
			return bridge.StartInfo{}, errors.New("start event without streamSid or callSid")
		}
		s.wmu.Lock()
		s.streamSid = sid
		s.wmu.Unlock()
		return bridge.StartInfo{
			CallID:   callID,
			StreamID: sid,
			CallerID: params["caller_id"],
			Params:   params,
		}, nil
	}
}

func (s *MediaStream) read() (streamEvent, error) {
	var ev streamEvent
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if s.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return ev, io.EOF
		}
		return ev, err
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, errors.Wrap(err, "decode media stream event")
	}
	return ev, nil
}

func (s *MediaStream) ReadFrame() (bridge.Frame, error) {
	ev, err := s.read()
	if err != nil {
		return bridge.Frame{}, err
	}
	switch ev.Event {
	case "media":
		if ev.Media == nil {
			return bridge.Frame{Kind: bridge.FrameOther}, nil
		}
		payload, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
		if err != nil {
			return bridge.Frame{}, errors.Wrap(err, "decode media payload")
		}
		return bridge.Frame{Kind: bridge.FrameMedia, Payload: payload}, nil
	case "mark":
		var name []byte
		if ev.Mark != nil {
			name = []byte(ev.Mark.Name)
		}
		return bridge.Frame{Kind: bridge.FrameMark, Payload: name}, nil
	case "stop":
		return bridge.Frame{}, io.EOF
	default:
		return bridge.Frame{Kind: bridge.FrameOther}, nil
	}
}

func (s *MediaStream) WriteFrame(f bridge.Frame) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	var msg any
	switch f.Kind {
	case bridge.FrameMedia:
		m := outboundMedia{Event: "media", StreamSid: s.streamSid}
		m.Media.Payload = base64.StdEncoding.EncodeToString(f.Payload)
		msg = m
	case bridge.FrameClear:
		msg = outboundClear{Event: "clear", StreamSid: s.streamSid}
	default:
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *MediaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
