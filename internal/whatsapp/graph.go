package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultGraphURL = "https://graph.facebook.com/v18.0"

// ErrNotConfigured is returned when the Graph API token or phone number id is
// missing.
var ErrNotConfigured = errors.New("whatsapp credentials not configured")

// Signaler accepts calls on the WhatsApp side.
type Signaler interface {
	PreAccept(ctx context.Context, callID, answerSDP string) error
	Accept(ctx context.Context, callID, answerSDP string) error
}

// Graph is a Signaler backed by the Cloud API calls endpoint.
type Graph struct {
	baseURL       string
	token         string
	phoneNumberID string
	http          *http.Client
}

func NewGraph(baseURL, token, phoneNumberID string) *Graph {
	if baseURL == "" {
		baseURL = DefaultGraphURL
	}
	return &Graph{
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         token,
		phoneNumberID: phoneNumberID,
		http:          &http.Client{Timeout: 10 * time.Second},
	}
}

type callAction struct {
	MessagingProduct string      `json:"messaging_product"`
	CallID           string      `json:"call_id"`
	Action           string      `json:"action"`
	Session          CallSession `json:"session"`
	CallbackData     string      `json:"biz_opaque_callback_data,omitempty"`
}

func (g *Graph) PreAccept(ctx context.Context, callID, answerSDP string) error {
	return g.do(ctx, callAction{
		MessagingProduct: "whatsapp",
		CallID:           callID,
		Action:           "pre_accept",
		Session:          CallSession{SDPType: "answer", SDP: answerSDP},
	})
}

func (g *Graph) Accept(ctx context.Context, callID, answerSDP string) error {
	return g.do(ctx, callAction{
		MessagingProduct: "whatsapp",
		CallID:           callID,
		Action:           "accept",
		Session:          CallSession{SDPType: "answer", SDP: answerSDP},
		CallbackData:     "gw_" + uuid.NewString(),
	})
}

func (g *Graph) do(ctx context.Context, a callAction) error {
	if g.token == "" || g.phoneNumberID == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s/calls", g.baseURL, g.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.token)

	resp, err := g.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "whatsapp %s", a.Action)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("whatsapp %s: %s: %s", a.Action, resp.Status, strings.TrimSpace(string(respBody)))
	}
	log.Debug().Str("call_id", a.CallID).Str("action", a.Action).Msg("whatsapp call action sent")
	return nil
}
