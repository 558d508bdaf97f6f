package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/pion-call-gateway/internal/blob"
	"github.com/user/pion-call-gateway/internal/directory"
	"github.com/user/pion-call-gateway/internal/inference"
	"github.com/user/pion-call-gateway/internal/prompt"
	"github.com/user/pion-call-gateway/internal/session"
	"github.com/user/pion-call-gateway/internal/store"
	"github.com/user/pion-call-gateway/internal/synthesis"
)

type fakeDirectory struct {
	profiles map[string]directory.CustomerProfile
	err      error
}

func (f fakeDirectory) Lookup(_ context.Context, id string) (directory.CustomerProfile, error) {
	if f.err != nil {
		return directory.CustomerProfile{}, f.err
	}
	p, ok := f.profiles[id]
	if !ok {
		return directory.CustomerProfile{}, directory.ErrNotFound
	}
	return p, nil
}

type fakeLLM struct {
	mu    sync.Mutex
	calls [][]inference.Message
	reply func(msgs []inference.Message) (string, error)
}

func (f *fakeLLM) Complete(_ context.Context, msgs []inference.Message) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msgs)
	f.mu.Unlock()
	if f.reply == nil {
		return "reply to " + msgs[len(msgs)-1].Content, nil
	}
	return f.reply(msgs)
}

func (f *fakeLLM) last() []inference.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeTTS struct {
	err error
	url string
}

func (f fakeTTS) Synthesize(_ context.Context, text string) (synthesis.Audio, error) {
	if f.err != nil {
		return synthesis.Audio{}, f.err
	}
	return synthesis.Audio{Data: []byte(text), ContentType: "audio/mpeg", URL: f.url}, nil
}

type brokenStore struct{ store.ConversationStore }

func (brokenStore) Load(context.Context, string) (store.Record, error) {
	return store.Record{}, errors.New("store unavailable")
}

type fixture struct {
	orch  *Orchestrator
	reg   *session.Registry
	store store.ConversationStore
	llm   *fakeLLM
	blobs *blob.Memory
}

func newFixture(t *testing.T, dir directory.Directory, mutate func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		reg:   session.NewRegistry(),
		store: store.NewMemory(0),
		llm:   &fakeLLM{},
		blobs: blob.NewMemory("https://gw.example", 0, 0),
	}
	deps := Deps{
		Registry:    f.reg,
		Resolver:    directory.NewResolver(dir, "", time.Second),
		Store:       f.store,
		Inference:   f.llm,
		Synthesizer: fakeTTS{},
		Blobs:       f.blobs,
		Persona:     prompt.Persona{AgentName: "Ava", Company: "Acme"},
	}
	if mutate != nil {
		mutate(&deps)
	}
	o, err := New(Config{SpeechAction: "https://gw.example/speech"}, deps)
	require.NoError(t, err)
	f.orch = o
	return f
}

func (f *fixture) history(t *testing.T, callID string) []session.Turn {
	t.Helper()
	rec, err := f.store.Load(context.Background(), callID)
	require.NoError(t, err)
	return rec.Turns
}

func TestFirstTurnScenario(t *testing.T) {
	dir := fakeDirectory{profiles: map[string]directory.CustomerProfile{
		"+27000000001": {Name: "Thabo", Balance: "150"},
	}}
	f := newFixture(t, dir, nil)

	d := f.orch.HandleTurn(context.Background(), TurnRequest{
		CallID:   "CA123",
		CallerID: "+27000000001",
		Text:     "what's my balance",
	})

	require.True(t, d.Collect)
	assert.Equal(t, "https://gw.example/speech", d.SpeechAction)
	require.True(t, strings.HasPrefix(d.PlayURL, "https://gw.example/audio/"), d.PlayURL)
	assert.Empty(t, d.Say)

	msgs := f.llm.last()
	require.Len(t, msgs, 2)
	assert.Equal(t, inference.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "Thabo")
	assert.Contains(t, msgs[0].Content, "150")
	assert.Equal(t, inference.Message{Role: inference.RoleUser, Content: "what's my balance"}, msgs[1])

	assert.Equal(t, []session.Turn{
		session.CallerTurn("what's my balance"),
		session.AgentTurn("reply to what's my balance"),
	}, f.history(t, "CA123"))

	key := strings.TrimPrefix(d.PlayURL, "https://gw.example/")
	data, ct, err := f.blobs.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "audio/mpeg", ct)
	assert.Equal(t, "reply to what's my balance", string(data))

	s, ok := f.reg.Get("CA123")
	require.True(t, ok)
	assert.Equal(t, 1, s.Turns)
	require.NotNil(t, s.Profile)
	assert.Equal(t, "Thabo", s.Profile.Name)
}

func TestSerialTurnsAlternate(t *testing.T) {
	f := newFixture(t, nil, nil)
	const n = 5
	for i := 0; i < n; i++ {
		d := f.orch.HandleTurn(context.Background(), TurnRequest{CallID: "CA1", Text: "q" + string(rune('0'+i))})
		require.NotEmpty(t, d.PlayURL)
	}
	turns := f.history(t, "CA1")
	require.Len(t, turns, 2*n)
	for i, turn := range turns {
		if i%2 == 0 {
			assert.Equal(t, session.RoleCaller, turn.Role)
			assert.Equal(t, "q"+string(rune('0'+i/2)), turn.Content)
		} else {
			assert.Equal(t, session.RoleAgent, turn.Role)
		}
	}
	// The last inference saw the whole prior history in order.
	msgs := f.llm.last()
	require.Len(t, msgs, 2*(n-1)+2)
	assert.Equal(t, "q0", msgs[1].Content)
}

func TestUnreadableHistoryStillAnswers(t *testing.T) {
	f := newFixture(t, nil, func(d *Deps) {
		d.Store = brokenStore{ConversationStore: store.NewMemory(0)}
	})
	d := f.orch.HandleTurn(context.Background(), TurnRequest{CallID: "CA1", Text: "hello"})
	assert.NotEmpty(t, d.PlayURL)
	assert.Len(t, f.llm.last(), 2)
}

func TestDirectoryFailureIsNeverSpoken(t *testing.T) {
	f := newFixture(t, fakeDirectory{err: errors.New("directory timeout")}, nil)
	d := f.orch.HandleTurn(context.Background(), TurnRequest{CallID: "CA1", CallerID: "+27821234567", Text: "hi"})

	require.NotEmpty(t, d.PlayURL)
	assert.Empty(t, d.Say)
	system := f.llm.last()[0].Content
	assert.Contains(t, system, "not in our records")
	assert.NotContains(t, system, "timeout")
	assert.Len(t, f.history(t, "CA1"), 2)
}

func TestInferenceFailureIsFatal(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.llm.reply = func([]inference.Message) (string, error) { return "", errors.New("model overloaded") }

	d := f.orch.HandleTurn(context.Background(), TurnRequest{CallID: "CA1", Text: "hi"})
	assert.Equal(t, DefaultApology, d.Say)
	assert.True(t, d.Collect)
	assert.Empty(t, d.PlayURL)

	_, err := f.store.Load(context.Background(), "CA1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEmptyInferenceIsFatal(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.llm.reply = func([]inference.Message) (string, error) { return "   ", nil }

	d := f.orch.HandleTurn(context.Background(), TurnRequest{CallID: "CA1", Text: "hi"})
	assert.Equal(t, DefaultApology, d.Say)
}

func TestSynthesisFailureIsFatal(t *testing.T) {
	f := newFixture(t, nil, func(d *Deps) {
		d.Synthesizer = fakeTTS{err: errors.New("tts down")}
	})
	d := f.orch.HandleTurn(context.Background(), TurnRequest{CallID: "CA1", Text: "hi"})
	assert.Equal(t, DefaultApology, d.Say)
	assert.True(t, d.Collect)

	_, err := f.store.Load(context.Background(), "CA1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestHostedAudioIsNotUploaded(t *testing.T) {
	f := newFixture(t, nil, func(d *Deps) {
		d.Synthesizer = fakeTTS{url: "https://tts.example/a.mp3"}
	})
	d := f.orch.HandleTurn(context.Background(), TurnRequest{CallID: "CA1", Text: "hi"})
	assert.Equal(t, "https://tts.example/a.mp3", d.PlayURL)
}

func TestEmptySpeechReprompts(t *testing.T) {
	f := newFixture(t, nil, nil)
	d := f.orch.HandleTurn(context.Background(), TurnRequest{CallID: "CA1", Text: "  "})
	assert.Equal(t, DefaultReprompt, d.Say)
	assert.True(t, d.Collect)

	f.llm.mu.Lock()
	assert.Empty(t, f.llm.calls)
	f.llm.mu.Unlock()
}

func TestConcurrentTurnsOnSameCallLoseNothing(t *testing.T) {
	f := newFixture(t, nil, nil)
	release := make(chan struct{})
	var entered sync.WaitGroup
	entered.Add(1)
	var once sync.Once
	f.llm.reply = func(msgs []inference.Message) (string, error) {
		once.Do(func() {
			entered.Done()
			<-release
		})
		return "ok " + msgs[len(msgs)-1].Content, nil
	}

	var wg sync.WaitGroup
	for _, text := range []string{"first", "second"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			f.orch.HandleTurn(context.Background(), TurnRequest{CallID: "CA1", Text: text})
		}(text)
	}
	entered.Wait()
	close(release)
	wg.Wait()

	turns := f.history(t, "CA1")
	require.Len(t, turns, 4)
	assert.Equal(t, "ok "+turns[0].Content, turns[1].Content)
	assert.Equal(t, "ok "+turns[2].Content, turns[3].Content)
	assert.ElementsMatch(t, []string{"first", "second"}, []string{turns[0].Content, turns[2].Content})
}

func TestGreet(t *testing.T) {
	dir := fakeDirectory{profiles: map[string]directory.CustomerProfile{
		"+27000000001": {Name: "Thabo"},
	}}
	f := newFixture(t, dir, nil)

	d := f.orch.Greet(context.Background(), InboundCall{CallID: "CA123", CallerID: "+27000000001"})
	assert.True(t, d.Collect)
	assert.Equal(t, "Hi Thabo. "+DefaultGreeting, d.Say)
	_, ok := f.reg.Get("CA123")
	assert.True(t, ok)

	d = f.orch.Greet(context.Background(), InboundCall{CallID: "CA124", CallerID: "+27829999999"})
	assert.Equal(t, DefaultGreeting, d.Say)
}

func TestGreetStreaming(t *testing.T) {
	reg := session.NewRegistry()
	o, err := New(Config{Flow: session.ModeStream, StreamURL: "wss://gw.example/media-stream"}, Deps{
		Registry:    reg,
		Store:       store.NewMemory(0),
		Inference:   &fakeLLM{},
		Synthesizer: fakeTTS{},
		Blobs:       blob.NewMemory("", 0, 0),
	})
	require.NoError(t, err)

	d := o.Greet(context.Background(), InboundCall{CallID: "CA1", CallerID: "+15550001111"})
	assert.False(t, d.Collect)
	assert.Equal(t, "wss://gw.example/media-stream", d.StreamURL)
	assert.Equal(t, "+15550001111", d.StreamParams["caller_id"])
}

type nopCloser struct{ closed chan struct{} }

func (c nopCloser) Close() error {
	close(c.closed)
	return nil
}

func TestHangup(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.orch.Greet(context.Background(), InboundCall{CallID: "CA1"})
	f.orch.Hangup("CA1")
	_, ok := f.reg.Get("CA1")
	assert.False(t, ok)

	c := nopCloser{closed: make(chan struct{})}
	require.NoError(t, f.reg.AttachStream("CA2", "", c))
	f.orch.Hangup("CA2")
	select {
	case <-c.closed:
	default:
		t.Fatal("stream was not closed")
	}
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}
