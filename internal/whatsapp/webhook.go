// Package whatsapp answers WhatsApp Business calls over WebRTC and hands the
// resulting audio connection to a media bridge.
//
// Call events arrive on the Cloud API webhook. A connect event carries the
// caller's SDP offer; the gateway answers it with a pion peer connection,
// signals pre_accept then accept through the Graph API, and serves the call
// until a terminate event or ICE failure.
package whatsapp

import (
	"encoding/json"
	"net/url"

	"github.com/pkg/errors"
)

// DefaultVerifyToken is used for webhook subscription when VERIFY_TOKEN is
// not configured.
const DefaultVerifyToken = "whatsapp_bridge_token"

const (
	EventConnect   = "connect"
	EventTerminate = "terminate"
	EventRinging   = "ringing"
	EventAnswered  = "answered"

	DirectionUserInitiated = "USER_INITIATED"
)

// VerifySubscription checks a webhook verification request and returns the
// challenge to echo back.
func VerifySubscription(q url.Values, token string) (string, bool) {
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != token {
		return "", false
	}
	return q.Get("hub.challenge"), true
}

type webhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Calls    []CallEvent       `json:"calls"`
				Messages []json.RawMessage `json:"messages"`
				Statuses []json.RawMessage `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type CallEvent struct {
	ID        string       `json:"id"`
	Event     string       `json:"event"`
	Direction string       `json:"direction"`
	From      string       `json:"from"`
	To        string       `json:"to"`
	Status    string       `json:"status,omitempty"`
	Timestamp string       `json:"timestamp,omitempty"`
	Session   *CallSession `json:"session,omitempty"`
}

type CallSession struct {
	SDP     string `json:"sdp"`
	SDPType string `json:"sdp_type"`
}

// Offer returns the SDP offer of an inbound connect event.
func (e CallEvent) Offer() (string, bool) {
	if e.Event != EventConnect || e.Direction != DirectionUserInitiated {
		return "", false
	}
	if e.Session == nil || e.Session.SDPType != "offer" || e.Session.SDP == "" {
		return "", false
	}
	return e.Session.SDP, true
}

// ParseCallEvents extracts call events from a webhook body. Message and
// status notifications share the endpoint and yield no events.
func ParseCallEvents(body []byte) ([]CallEvent, error) {
	var w webhook
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, errors.Wrap(err, "decode whatsapp webhook")
	}
	var out []CallEvent
	for _, entry := range w.Entry {
		for _, change := range entry.Changes {
			out = append(out, change.Value.Calls...)
		}
	}
	return out, nil
}
