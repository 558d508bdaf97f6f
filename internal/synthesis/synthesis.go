// Package synthesis turns agent text into playable audio.
package synthesis

import (
	"context"
	"io"
	"mime"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pkg/errors"
)

var ErrEmptyAudio = errors.New("synthesis: empty audio")

// Audio is a synthesized utterance. URL is set when the backend already
// hosts the audio; otherwise Data must be uploaded before it can be played.
type Audio struct {
	Data        []byte
	ContentType string
	URL         string
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// OpenAI uses the audio speech endpoint and returns MP3 bytes.
type OpenAI struct {
	client openai.Client
	model  string
	voice  string
}

func NewOpenAI(apiKey, baseURL, model, voice string, opts ...option.RequestOption) *OpenAI {
	all := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		all = append(all, option.WithBaseURL(baseURL))
	}
	all = append(all, opts...)
	if model == "" {
		model = string(openai.SpeechModelTTS1)
	}
	if voice == "" {
		voice = string(openai.AudioSpeechNewParamsVoiceAlloy)
	}
	return &OpenAI{client: openai.NewClient(all...), model: model, voice: voice}
}

func (o *OpenAI) Synthesize(ctx context.Context, text string) (Audio, error) {
	if strings.TrimSpace(text) == "" {
		return Audio{}, errors.New("synthesis: empty text")
	}
	resp, err := o.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(o.model),
		Voice:          openai.AudioSpeechNewParamsVoice(o.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return Audio{}, errors.Wrap(err, "openai speech")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, errors.Wrap(err, "openai speech: read body")
	}
	if len(data) == 0 {
		return Audio{}, ErrEmptyAudio
	}
	ct := "audio/mpeg"
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil && strings.HasPrefix(mt, "audio/") {
		ct = mt
	}
	return Audio{Data: data, ContentType: ct}, nil
}
