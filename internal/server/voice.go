package server

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/user/pion-call-gateway/internal/orchestrator"
	"github.com/user/pion-call-gateway/internal/twilio"
)

// Call statuses after which Twilio sends no more webhooks for the call.
var finalStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"failed":    true,
	"no-answer": true,
	"canceled":  true,
}

func (s *Server) twilioSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.validator == nil {
			next.ServeHTTP(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		url := s.opts.PublicBaseURL + r.URL.RequestURI()
		if !s.validator.Validate(url, params, r.Header.Get("X-Twilio-Signature")) {
			log.Warn().Str("path", r.URL.Path).Msg("rejected unsigned twilio webhook")
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeTwiML(w http.ResponseWriter, d orchestrator.Directive) {
	out, err := twilio.Render(d, s.opts.Voice)
	if err != nil {
		log.Error().Err(err).Msg("render twiml")
		// A bare hangup is always renderable.
		out, _ = twilio.Render(orchestrator.Directive{Hangup: true}, s.opts.Voice)
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(out))
}

func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	call := orchestrator.InboundCall{
		CallID:   r.FormValue("CallSid"),
		CallerID: r.FormValue("From"),
	}
	if call.CallID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}
	s.writeTwiML(w, s.Turns.Greet(r.Context(), call))
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	req := orchestrator.TurnRequest{
		CallID:   r.FormValue("CallSid"),
		CallerID: r.FormValue("From"),
		Text:     r.FormValue("SpeechResult"),
	}
	if req.CallID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}
	s.writeTwiML(w, s.Turns.HandleTurn(r.Context(), req))
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callID := r.FormValue("CallSid")
	status := strings.ToLower(r.FormValue("CallStatus"))
	if callID != "" && finalStatuses[status] {
		log.Info().Str("call_id", callID).Str("status", status).Msg("call ended")
		s.Turns.Hangup(callID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.Streams == nil {
		http.Error(w, "media streaming disabled", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("media stream upgrade failed")
		return
	}
	if err := s.Streams.Serve(s.ctx, twilio.NewMediaStream(conn)); err != nil {
		log.Error().Err(err).Msg("media stream ended with error")
	}
}
