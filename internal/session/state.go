package session

import (
	"github.com/MrWong99/raksha/internal/protocol"
	"github.com/MrWong99/raksha/pkg/audio/jitter"
)

// TurnState is the session's position in the turn-taking protocol.
type TurnState int

const (
	// Idle is the initial state and the state after a disconnect or a closed
	// connection.
	Idle TurnState = iota

	// Connecting covers device and socket setup.
	Connecting

	// Ready means connected, with the floor open and nobody talking.
	Ready

	// Holding means the push-to-talk control is held and capture streams.
	Holding

	// AwaitingResponse means the user's turn ended (or was interrupted) and
	// the assistant has not started speaking yet.
	AwaitingResponse

	// Speaking means assistant audio is arriving and playing.
	Speaking

	// Error is entered on transport or device failure. Devices are released
	// and playback is silent.
	Error
)

// String returns the protocol name of the state.
func (s TurnState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Holding:
		return "holding"
	case AwaitingResponse:
		return "awaiting-response"
	case Speaking:
		return "speaking"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Connected reports whether the state belongs to a live session.
func (s TurnState) Connected() bool {
	switch s {
	case Ready, Holding, AwaitingResponse, Speaking:
		return true
	default:
		return false
	}
}

// VisualState is the coarse UI hint derived from a [TurnState].
type VisualState string

const (
	VisualIdle      VisualState = "idle"
	VisualListening VisualState = "listening"
	VisualSpeaking  VisualState = "speaking"
	VisualError     VisualState = "error"
)

// Visual maps s to its UI hint.
func (s TurnState) Visual() VisualState {
	switch s {
	case Ready, Holding, AwaitingResponse:
		return VisualListening
	case Speaking:
		return VisualSpeaking
	case Error:
		return VisualError
	default:
		return VisualIdle
	}
}

// User-facing warnings.
const (
	WarnConnection = "Connection error. Check backend logs."
	WarnMicrophone = "Microphone unavailable."
	WarnSpeaker    = "Speaker unavailable."
)

// Advisories shown while the backend recovers a turn.
const (
	AdvisoryFallback       = "Working on that, one moment..."
	AdvisoryRecovering     = "Reconnecting to the assistant..."
	AdvisoryFallbackFailed = "Sorry, that request could not be completed."
)

// Snapshot is a read-only copy of the session's observable state.
type Snapshot struct {
	State     TurnState
	Visual    VisualState
	SessionID string

	// ConnID identifies the current connection attempt in logs.
	ConnID string

	// Warning is the last user-facing warning; cleared on connect.
	Warning string

	// Advisory is transient text raised by fallback and recovery events.
	Advisory string

	// TurnSeq counts push-to-talk turns since the process started.
	TurnSeq uint64

	// AssistantSampleRate is the rate inbound audio is decoded at.
	AssistantSampleRate int

	Playback jitter.Stats

	// Profile is the last profile_status received, if any.
	Profile *protocol.ProfileStatus

	// LastFallback is the result of the last completed fallback ("ok",
	// "failed"), or empty.
	LastFallback string
}

// StatusText returns the one-line status shown to the user.
func (s Snapshot) StatusText(appName string) string {
	switch {
	case s.State == Connecting:
		return "Connecting..."
	case s.Visual == VisualSpeaking:
		return appName + " is speaking"
	case s.State.Connected():
		return "Listening"
	case s.State == Error:
		return "Connection error"
	default:
		return "Tap to start"
	}
}
