// Package server exposes the gateway over HTTP: Twilio voice webhooks and
// media stream, the WhatsApp calling webhook, hosted audio and operational
// endpoints.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	twclient "github.com/twilio/twilio-go/client"

	"github.com/user/pion-call-gateway/internal/bridge"
	"github.com/user/pion-call-gateway/internal/metrics"
	"github.com/user/pion-call-gateway/internal/orchestrator"
	"github.com/user/pion-call-gateway/internal/session"
	"github.com/user/pion-call-gateway/internal/whatsapp"
)

// Turns is the turn-based call flow.
type Turns interface {
	Greet(ctx context.Context, call orchestrator.InboundCall) orchestrator.Directive
	HandleTurn(ctx context.Context, req orchestrator.TurnRequest) orchestrator.Directive
	Hangup(callID string)
}

// Streams serves one media stream connection until it ends.
type Streams interface {
	Serve(ctx context.Context, caller bridge.CallerConn) error
}

type WhatsApp interface {
	Handle(ctx context.Context, ev whatsapp.CallEvent)
	Active() int
}

// AudioSource serves audio hosted by the gateway itself.
type AudioSource interface {
	Get(key string) ([]byte, string, error)
}

type Options struct {
	Voice         string
	VerifyToken   string
	PublicBaseURL string
	// TwilioAuthToken enables X-Twilio-Signature checks on voice webhooks.
	// Checks need PublicBaseURL to rebuild the signed URL.
	TwilioAuthToken string
}

type Deps struct {
	Registry *session.Registry
	Turns    Turns
	Streams  Streams
	WhatsApp WhatsApp
	Audio    AudioSource
	Metrics  *metrics.Metrics
}

type Server struct {
	opts Options
	Deps

	// ctx outlives requests; media streams and answered WhatsApp calls run
	// under it.
	ctx       context.Context
	upgrader  websocket.Upgrader
	validator *twclient.RequestValidator
	started   time.Time
}

func New(ctx context.Context, opts Options, deps Deps) *Server {
	s := &Server{
		opts:    opts,
		Deps:    deps,
		ctx:     ctx,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if opts.TwilioAuthToken != "" && opts.PublicBaseURL != "" {
		v := twclient.NewRequestValidator(opts.TwilioAuthToken)
		s.validator = &v
	}
	return s
}

// Handler returns the gateway's router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
	}

	voice := r.NewRoute().Subrouter()
	voice.Use(s.twilioSignature)
	voice.HandleFunc("/incoming-call", s.handleIncomingCall).Methods(http.MethodGet, http.MethodPost)
	voice.HandleFunc("/speech", s.handleSpeech).Methods(http.MethodPost)
	voice.HandleFunc("/call-status", s.handleCallStatus).Methods(http.MethodPost)

	r.HandleFunc("/media-stream", s.handleMediaStream).Methods(http.MethodGet)
	r.HandleFunc("/audio/{name}", s.handleAudio).Methods(http.MethodGet)

	r.HandleFunc("/whatsapp-call", s.handleWhatsAppVerify).Methods(http.MethodGet)
	r.HandleFunc("/whatsapp-call", s.handleWhatsAppEvent).Methods(http.MethodPost)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"Status": "OK"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type sessionStatus struct {
	CallID    string    `json:"call_id"`
	CallerID  string    `json:"caller_id,omitempty"`
	Mode      string    `json:"mode"`
	Known     bool      `json:"known_caller"`
	Turns     int       `json:"turns"`
	Streaming bool      `json:"streaming"`
	StartedAt time.Time `json:"started_at"`
	LastSeen  time.Time `json:"last_seen"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.Registry.Snapshot()
	sessions := make([]sessionStatus, 0, len(snap))
	streaming := 0
	for _, c := range snap {
		if c.Streaming {
			streaming++
		}
		sessions = append(sessions, sessionStatus{
			CallID:    c.CallID,
			CallerID:  c.CallerID,
			Mode:      string(c.Mode),
			Known:     c.Profile != nil && !c.Profile.Anonymous,
			Turns:     c.Turns,
			Streaming: c.Streaming,
			StartedAt: c.StartedAt,
			LastSeen:  c.LastSeen,
		})
	}
	whatsappCalls := 0
	if s.WhatsApp != nil {
		whatsappCalls = s.WhatsApp.Active()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "running",
		"active_calls":   len(snap),
		"streaming":      streaming,
		"whatsapp_calls": whatsappCalls,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"sessions":       sessions,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
