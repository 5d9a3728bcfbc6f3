// Package s2s defines the Provider interface for speech-to-speech backends.
//
// An S2S provider wraps a real-time voice service that accepts raw audio input
// and returns synthesised audio output in a single, stateful session. The
// companion speaks and listens over one duplex connection; there is no
// separate STT → LLM → TTS pipeline.
//
// The central abstraction is Session: a bidirectional stream that carries
// audio upstream and an ordered event stream downstream. Event ordering
// matters: an interruption must be observed before the audio that follows it,
// so everything the server sends is multiplexed onto a single channel.
//
// All implementations must be safe for concurrent use.
package s2s

import "context"

// EventType discriminates the entries on a session's event stream.
type EventType int

const (
	// EventAudio carries one base64-encoded chunk of synthesised speech
	// (16-bit LE mono PCM at 24 kHz).
	EventAudio EventType = iota

	// EventInterrupted signals the server cut off the current reply, usually
	// because the user started speaking. Audio received before this event
	// belongs to the abandoned reply.
	EventInterrupted

	// EventTurnComplete marks the end of a model reply. Transcript text
	// accumulated since the previous turn boundary is now final.
	EventTurnComplete

	// EventInputTranscript carries a fragment of the user's recognised speech.
	EventInputTranscript

	// EventOutputTranscript carries a fragment of the model reply as text.
	EventOutputTranscript

	// EventError carries a server-reported error. The session stays open;
	// fatal transport errors surface through Err after the stream closes.
	EventError
)

// String returns the event type's wire-style name, for logging.
func (t EventType) String() string {
	switch t {
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turnComplete"
	case EventInputTranscript:
		return "inputTranscription"
	case EventOutputTranscript:
		return "outputTranscription"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one entry on the session's ordered downstream.
type Event struct {
	Type EventType

	// Audio is the base64 PCM payload for EventAudio.
	Audio string

	// Text is the fragment for transcript events.
	Text string

	// Err is the server error for EventError.
	Err error
}

// Config is the initial configuration for a new session.
type Config struct {
	// Voice names the prebuilt voice used for synthesised speech.
	Voice string

	// Temperature controls sampling randomness. Zero means provider default.
	Temperature float64

	// Instructions is the system-level prompt defining the companion's
	// persona and behavioural constraints.
	Instructions string
}

// Session represents an open speech-to-speech session.
//
// The session is the hot path of the voice pipeline — every method must
// return quickly. Downstream traffic is channel-based so the caller's audio
// loop never blocks on the network. Callers must call Close when the session
// is no longer needed.
type Session interface {
	// SendAudio delivers one raw PCM chunk (16 kHz, s16le, mono) to the
	// model. Returns an error if the session is closed or the transport
	// rejects the write.
	SendAudio(chunk []byte) error

	// SendText injects a user text turn into the conversation, as if the
	// user had typed instead of spoken. The model replies with speech.
	SendText(text string) error

	// Events returns the ordered downstream of server events. The channel
	// is closed when the session ends; check Err afterwards to learn
	// whether it ended cleanly.
	Events() <-chan Event

	// Err returns the error that terminated the event stream, or nil if
	// the session ended cleanly.
	Err() error

	// Close terminates the session and closes the event channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any speech-to-speech backend.
type Provider interface {
	// Connect establishes a new session and blocks until the backend has
	// acknowledged the configuration, so a nil return means the session is
	// ready to accept audio. The caller owns the Session and must Close it.
	Connect(ctx context.Context, cfg Config) (Session, error)
}
