// Package orchestrator drives turn-based calls: one speech result in, one
// spoken reply and a new speech collection out.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/user/pion-call-gateway/internal/blob"
	"github.com/user/pion-call-gateway/internal/directory"
	"github.com/user/pion-call-gateway/internal/inference"
	"github.com/user/pion-call-gateway/internal/metrics"
	"github.com/user/pion-call-gateway/internal/prompt"
	"github.com/user/pion-call-gateway/internal/session"
	"github.com/user/pion-call-gateway/internal/store"
	"github.com/user/pion-call-gateway/internal/synthesis"
)

const (
	DefaultGreeting = "Hello, and welcome. How can I help you today?"
	DefaultApology  = "Sorry, I'm having trouble right now. Could you say that again?"
	DefaultReprompt = "Sorry, I didn't catch that. Could you say it again?"
)

type Config struct {
	// Flow selects how new calls are answered.
	Flow session.Mode
	// SpeechAction is where collected speech is posted.
	SpeechAction string
	// StreamURL is the media stream endpoint for streaming calls.
	StreamURL string

	Greeting string
	Apology  string
	Reprompt string

	LockTimeout      time.Duration
	StoreTimeout     time.Duration
	InferenceTimeout time.Duration
	SynthesisTimeout time.Duration
	SaveAttempts     int
}

func (c *Config) setDefaults() {
	if c.Flow == "" {
		c.Flow = session.ModeTurn
	}
	if c.SpeechAction == "" {
		c.SpeechAction = "/speech"
	}
	if c.Greeting == "" {
		c.Greeting = DefaultGreeting
	}
	if c.Apology == "" {
		c.Apology = DefaultApology
	}
	if c.Reprompt == "" {
		c.Reprompt = DefaultReprompt
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 3 * time.Second
	}
	if c.InferenceTimeout <= 0 {
		c.InferenceTimeout = 20 * time.Second
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = 15 * time.Second
	}
	if c.SaveAttempts <= 0 {
		c.SaveAttempts = 3
	}
}

// Deps are the long-lived service handles shared by every call.
type Deps struct {
	Registry    *session.Registry
	Resolver    *directory.Resolver
	Store       store.ConversationStore
	Inference   inference.Client
	Synthesizer synthesis.Synthesizer
	Blobs       blob.Store
	Persona     prompt.Persona
	Assembler   *prompt.Assembler
	Metrics     *metrics.Metrics
}

type Orchestrator struct {
	cfg Config
	Deps
	now func() time.Time
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg.setDefaults()
	if deps.Registry == nil || deps.Store == nil || deps.Inference == nil ||
		deps.Synthesizer == nil || deps.Blobs == nil {
		return nil, errors.New("orchestrator: registry, store, inference, synthesizer and blobs are required")
	}
	if deps.Resolver == nil {
		deps.Resolver = directory.NewResolver(nil, "", 0)
	}
	if deps.Assembler == nil {
		a, err := prompt.NewAssembler(deps.Persona)
		if err != nil {
			return nil, err
		}
		deps.Assembler = a
	}
	return &Orchestrator{cfg: cfg, Deps: deps, now: time.Now}, nil
}

// TurnRequest is one recognized caller utterance.
type TurnRequest struct {
	CallID   string
	CallerID string
	Text     string
}

// InboundCall is the provider's new call signal.
type InboundCall struct {
	CallID   string
	CallerID string
}

func (o *Orchestrator) collect(d Directive) Directive {
	d.Collect = true
	d.SpeechAction = o.cfg.SpeechAction
	return d
}

func (o *Orchestrator) apology() Directive {
	return o.collect(Directive{Say: o.cfg.Apology})
}

// Greet registers the call and answers it according to the configured flow.
func (o *Orchestrator) Greet(ctx context.Context, call InboundCall) Directive {
	o.Registry.GetOrCreate(call.CallID, call.CallerID)
	logger := log.With().Str("call_id", call.CallID).Str("caller_id", call.CallerID).Logger()

	if o.cfg.Flow == session.ModeStream {
		logger.Info().Msg("incoming call, connecting media stream")
		return Directive{
			StreamURL: o.cfg.StreamURL,
			StreamParams: map[string]string{
				"call_id":   call.CallID,
				"caller_id": call.CallerID,
			},
		}
	}

	profile := o.Resolver.Resolve(ctx, call.CallerID)
	o.rememberProfile(call.CallID, profile)
	greeting := o.cfg.Greeting
	if !profile.Anonymous && profile.Name != "" {
		greeting = "Hi " + profile.Name + ". " + greeting
	}
	logger.Info().Bool("known_caller", !profile.Anonymous).Msg("incoming call")
	return o.collect(Directive{Say: greeting})
}

// Hangup drops the state of a call the provider reports as finished. A call
// that still has a media bridge attached gets its bridge closed; the bridge
// detaches the session itself.
func (o *Orchestrator) Hangup(callID string) {
	if o.Registry.Forget(callID) {
		log.Debug().Str("call_id", callID).Msg("session forgotten")
		return
	}
	if s, ok := o.Registry.Get(callID); ok && s.Streaming {
		if err := o.Registry.CloseStream(callID); err != nil {
			log.Warn().Err(err).Str("call_id", callID).Msg("close stream on hangup")
		}
	}
}

// HandleTurn runs one conversational turn and always returns a playable
// directive. Inference or synthesis failures produce an apology and nothing
// is persisted for the turn.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) Directive {
	start := o.now()
	logger := log.With().Str("call_id", req.CallID).Str("caller_id", req.CallerID).Logger()

	o.Registry.GetOrCreate(req.CallID, req.CallerID)
	text := strings.TrimSpace(req.Text)
	if text == "" {
		logger.Debug().Msg("empty speech result, reprompting")
		o.Metrics.RecordTurn("reprompt", o.now().Sub(start))
		return o.collect(Directive{Say: o.cfg.Reprompt})
	}

	profile := o.Resolver.Resolve(ctx, req.CallerID)
	o.rememberProfile(req.CallID, profile)

	lockCtx, cancel := context.WithTimeout(ctx, o.cfg.LockTimeout)
	release, err := o.Registry.Acquire(lockCtx, req.CallID)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("could not lock call for turn")
		o.Metrics.RecordTurn("fallback", o.now().Sub(start))
		return o.apology()
	}
	defer release()

	rec := o.loadHistory(ctx, req.CallID)

	system := o.Assembler.Assemble(prompt.NewContext(o.Persona, profile, o.now()))
	msgs := prompt.BuildMessages(system, rec.Turns, text)

	reply, err := o.infer(ctx, msgs)
	if err != nil {
		logger.Error().Err(err).Int("history", len(rec.Turns)).Msg("inference failed")
		o.Metrics.RecordTurn("fallback", o.now().Sub(start))
		return o.apology()
	}

	url, err := o.speak(ctx, reply)
	if err != nil {
		logger.Error().Err(err).Msg("synthesis failed")
		o.Metrics.RecordTurn("fallback", o.now().Sub(start))
		return o.apology()
	}

	saveCtx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	saved, err := store.AppendExchange(saveCtx, o.Store, rec, text, reply, o.cfg.SaveAttempts)
	cancel()
	o.Metrics.RecordUpstream("store_save", err)
	if err != nil {
		// The caller still hears the answer; only the history misses it.
		logger.Error().Err(err).Msg("persisting turn failed")
	} else {
		logger.Debug().Int64("version", saved.Version).Int("turns", len(saved.Turns)).Msg("turn persisted")
	}

	_, _ = o.Registry.Update(req.CallID, func(s *session.CallSession) { s.Turns++ })
	o.Metrics.RecordTurn("ok", o.now().Sub(start))
	return o.collect(Directive{PlayURL: url})
}

func (o *Orchestrator) rememberProfile(callID string, p directory.CustomerProfile) {
	_, _ = o.Registry.Update(callID, func(s *session.CallSession) {
		s.Profile = &p
		if s.CallerID == "" {
			s.CallerID = p.CallerID
		}
	})
}

// loadHistory never fails: a missing record is an empty history and read
// errors are logged and treated the same way. The returned record keeps the
// loaded version for the compare-and-swap on save.
func (o *Orchestrator) loadHistory(ctx context.Context, callID string) store.Record {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()
	rec, err := o.Store.Load(ctx, callID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return store.Record{CallID: callID}
	case err != nil:
		o.Metrics.RecordUpstream("store_load", err)
		log.Warn().Err(err).Str("call_id", callID).Msg("history load failed, continuing with empty history")
		return store.Record{CallID: callID}
	}
	o.Metrics.RecordUpstream("store_load", nil)
	rec.CallID = callID
	return rec
}

func (o *Orchestrator) infer(ctx context.Context, msgs []inference.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.InferenceTimeout)
	defer cancel()
	reply, err := o.Inference.Complete(ctx, msgs)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = inference.ErrEmptyResponse
	}
	o.Metrics.RecordUpstream("inference", err)
	return strings.TrimSpace(reply), err
}

// speak synthesizes text and returns a URL the provider can play, uploading
// the audio when the synthesizer did not host it.
func (o *Orchestrator) speak(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SynthesisTimeout)
	defer cancel()

	audio, err := o.Synthesizer.Synthesize(ctx, text)
	o.Metrics.RecordUpstream("synthesis", err)
	if err != nil {
		return "", err
	}
	if audio.URL != "" {
		return audio.URL, nil
	}
	if len(audio.Data) == 0 {
		return "", synthesis.ErrEmptyAudio
	}
	url, err := o.Blobs.Put(ctx, blob.NewKey(blob.ExtensionFor(audio.ContentType)), audio.ContentType, audio.Data)
	o.Metrics.RecordUpstream("blob_put", err)
	if err != nil {
		return "", errors.Wrap(err, "upload audio")
	}
	return url, nil
}
