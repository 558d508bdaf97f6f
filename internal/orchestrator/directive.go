package orchestrator

// Directive tells the caller-facing transport what to do next. Say and
// PlayURL are rendered first, in that order. Then exactly one of Collect,
// StreamURL or Hangup decides how the call continues.
type Directive struct {
	Say     string
	PlayURL string

	// Collect gathers the caller's next utterance and posts it to
	// SpeechAction.
	Collect      bool
	SpeechAction string

	// StreamURL opens a bidirectional media stream. StreamParams travel
	// with the stream's start event.
	StreamURL    string
	StreamParams map[string]string

	Hangup bool
}
