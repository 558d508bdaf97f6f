package inference

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/genai"
)

// Vertex runs Gemini models through Vertex AI.
type Vertex struct {
	client *genai.Client
	model  string
}

func NewVertex(ctx context.Context, project, location, model string) (*Vertex, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  project,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vertex client")
	}
	return &Vertex{client: client, model: model}, nil
}

func (v *Vertex) Complete(ctx context.Context, messages []Message) (string, error) {
	system, rest := splitSystem(messages)

	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		switch m.Role {
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			return "", errors.Errorf("vertex: unsupported role %q", m.Role)
		}
	}

	resp, err := v.client.Models.GenerateContent(ctx, v.model, contents, cfg)
	if err != nil {
		return "", errors.Wrap(err, "vertex generate content")
	}
	return checkText(resp.Text())
}
