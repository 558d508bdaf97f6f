// Package twilio adapts the gateway to Twilio Programmable Voice: TwiML
// responses for webhooks and the bidirectional media stream websocket.
package twilio

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/twilio/twilio-go/twiml"

	"github.com/user/pion-call-gateway/internal/orchestrator"
)

// DefaultVoice is the <Say> voice used when none is configured.
const DefaultVoice = "alice"

// Render turns a directive into a TwiML document.
//
// When the directive collects speech, the prompt is nested inside <Gather>
// so the caller can talk over it, and a <Redirect> back to the speech action
// follows so that silence produces an empty speech result instead of ending
// the call.
func Render(d orchestrator.Directive, voice string) (string, error) {
	if voice == "" {
		voice = DefaultVoice
	}

	var prompt []twiml.Element
	if d.Say != "" {
		prompt = append(prompt, &twiml.VoiceSay{Message: d.Say, Voice: voice})
	}
	if d.PlayURL != "" {
		prompt = append(prompt, &twiml.VoicePlay{Url: d.PlayURL})
	}

	var verbs []twiml.Element
	switch {
	case d.Collect:
		if d.SpeechAction == "" {
			return "", errors.New("twiml: collect directive without speech action")
		}
		verbs = append(verbs,
			&twiml.VoiceGather{
				Input:         "speech",
				Action:        d.SpeechAction,
				Method:        "POST",
				SpeechTimeout: "auto",
				InnerElements: prompt,
			},
			&twiml.VoiceRedirect{Url: d.SpeechAction, Method: "POST"},
		)
	case d.StreamURL != "":
		verbs = append(verbs, prompt...)
		verbs = append(verbs, &twiml.VoiceConnect{
			InnerElements: []twiml.Element{
				&twiml.VoiceStream{Url: d.StreamURL, InnerElements: streamParams(d.StreamParams)},
			},
		})
	default:
		verbs = append(verbs, prompt...)
		if d.Hangup || len(prompt) == 0 {
			verbs = append(verbs, &twiml.VoiceHangup{})
		}
	}

	out, err := twiml.Voice(verbs)
	if err != nil {
		return "", errors.Wrap(err, "render twiml")
	}
	return out, nil
}

func streamParams(params map[string]string) []twiml.Element {
	names := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	out := make([]twiml.Element, 0, len(names))
	for _, k := range names {
		out = append(out, &twiml.VoiceParameter{Name: k, Value: params[k]})
	}
	return out
}
