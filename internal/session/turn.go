package session

import (
	"strings"

	"github.com/pkg/errors"
)

// Role says who produced a turn. Only RoleCaller and RoleAgent are valid.
type Role uint8

const (
	RoleCaller Role = iota + 1
	RoleAgent
)

var ErrUnknownRole = errors.New("session: unknown turn role")

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// ParseRole accepts the stored role names. "human" and "ai" are the tags
// written by the first version of the conversation store.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "caller", "human", "user":
		return RoleCaller, nil
	case "agent", "ai", "assistant":
		return RoleAgent, nil
	default:
		return 0, errors.Wrapf(ErrUnknownRole, "%q", s)
	}
}

// Turn is one utterance in a call. The order of turns is replayed verbatim as
// model context, so callers must never reorder a history.
type Turn struct {
	Role    Role
	Content string
}

func CallerTurn(content string) Turn { return Turn{Role: RoleCaller, Content: content} }

func AgentTurn(content string) Turn { return Turn{Role: RoleAgent, Content: content} }

// AppendExchange returns a new history with the caller turn and the agent reply
// appended as a pair. The input slice is not modified.
func AppendExchange(history []Turn, callerText, agentText string) []Turn {
	out := make([]Turn, 0, len(history)+2)
	out = append(out, history...)
	return append(out, CallerTurn(callerText), AgentTurn(agentText))
}
