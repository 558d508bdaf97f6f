// Package inference runs one blocking chat completion over a full message
// list. Backends are constructed once at startup and shared by all calls.
package inference

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// ErrEmptyResponse is returned when the model answered with no text.
var ErrEmptyResponse = errors.New("inference: empty response")

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Client completes a conversation. Implementations must return
// ErrEmptyResponse rather than an empty string.
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

func checkText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// splitSystem separates leading system messages from the conversation.
func splitSystem(messages []Message) (string, []Message) {
	var sys []string
	i := 0
	for ; i < len(messages) && messages[i].Role == RoleSystem; i++ {
		sys = append(sys, messages[i].Content)
	}
	return strings.Join(sys, "\n\n"), messages[i:]
}

// Unavailable stands in for a backend that could not be constructed. Every
// call fails with Err, so each turn plays the apology while the rest of the
// gateway keeps serving.
type Unavailable struct {
	Err error
}

func (u Unavailable) Complete(context.Context, []Message) (string, error) {
	if u.Err == nil {
		return "", errors.New("inference: backend unavailable")
	}
	return "", errors.Wrap(u.Err, "inference: backend unavailable")
}
