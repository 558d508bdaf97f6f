package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/user/pion-call-gateway/internal/whatsapp"
)

const maxWebhookBody = 1 << 20

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	if s.Audio == nil {
		http.NotFound(w, r)
		return
	}
	data, contentType, err := s.Audio.Get("audio/" + mux.Vars(r)["name"])
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(data)
}

func (s *Server) handleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	challenge, ok := whatsapp.VerifySubscription(r.URL.Query(), s.opts.VerifyToken)
	if !ok {
		log.Warn().Msg("whatsapp webhook verification failed")
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "Verification failed"})
		return
	}
	log.Info().Msg("whatsapp webhook verified")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// handleWhatsAppEvent acknowledges at once; WhatsApp retries webhooks that
// are slow to answer. Calls are negotiated in the background.
func (s *Server) handleWhatsAppEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	events, err := whatsapp.ParseCallEvents(body)
	if err != nil {
		log.Warn().Err(err).Msg("invalid whatsapp webhook")
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if s.WhatsApp != nil {
		for _, ev := range events {
			s.WhatsApp.Handle(s.ctx, ev)
		}
	} else if len(events) > 0 {
		log.Warn().Int("events", len(events)).Msg("whatsapp calling disabled, dropping call events")
	}
	w.WriteHeader(http.StatusOK)
}
