// Package protocol defines the JSON control messages exchanged with the
// assistant backend over the live session socket.
//
// Inbound messages form a closed set: every variant implements the sealed
// [Event] interface and [Decode] rejects unknown or missing type tags instead
// of passing them through. Domain payloads the client does not interpret
// (recommendations, bookings, schedules) are kept as raw JSON in [Domain].
//
// Audio never travels through this package; it is carried in binary frames.
package protocol

import "encoding/json"

// Inbound type tags.
const (
	TypeSessionReady         = "session_ready"
	TypeAssistantAudioFormat = "assistant_audio_format"
	TypeAssistantInterrupted = "assistant_interrupted"
	TypeWarning              = "warning"
	TypeError                = "error"
	TypeFallbackStarted      = "fallback_started"
	TypeFallbackCompleted    = "fallback_completed"
	TypeSessionRecovering    = "session_recovering"
	TypeProfileStatus        = "profile_status"
	TypeAssistantText        = "assistant_text"
	TypePartialTranscript    = "partial_transcript"

	TypeDoctorRecommendations = "doctor_recommendations"
	TypeBookingUpdate         = "booking_update"
	TypeScheduleSnapshot      = "schedule_snapshot"
	TypeAdherenceReportSaved  = "adherence_report_saved"
)

// Outbound type tags.
const (
	TypePTTStart    = "ptt_start"
	TypePTTEnd      = "ptt_end"
	TypeStopSession = "stop_session"
)

// InvalidMessage is the text of the synthetic [Error] produced when an
// inbound message cannot be decoded.
const InvalidMessage = "Invalid server message"

// Event is an inbound control message. The set of implementations is closed.
type Event interface {
	eventType() string
}

// TypeOf returns the wire tag of ev.
func TypeOf(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.eventType()
}

// SessionReady confirms that the backend has attached a live session.
type SessionReady struct {
	SessionID string `json:"sessionId"`
}

// AssistantAudioFormat announces the sample rate of subsequent binary audio.
type AssistantAudioFormat struct {
	SampleRate int `json:"sampleRate"`
}

// AssistantInterrupted reports that the backend cut the assistant's turn.
type AssistantInterrupted struct{}

// Warning is an advisory message for the user.
type Warning struct {
	Message string `json:"message"`
}

// Error is a backend-reported failure. It is advisory: the session stays up.
type Error struct {
	Message string `json:"message"`
}

// FallbackStarted reports that the backend is recovering a turn outside the
// live model, typically after a tool call the model could not run.
type FallbackStarted struct {
	Reason string `json:"reason"`
	TurnID string `json:"turnId"`
}

// Fallback results.
const (
	FallbackOK     = "ok"
	FallbackFailed = "failed"
)

// FallbackCompleted ends a fallback started with [FallbackStarted].
type FallbackCompleted struct {
	TurnID string `json:"turnId"`
	Result string `json:"result"`
}

// OK reports whether the fallback succeeded.
func (f FallbackCompleted) OK() bool { return f.Result == FallbackOK }

// SessionRecovering reports that the backend is re-establishing its upstream
// session.
type SessionRecovering struct {
	Mode string `json:"mode"`
}

// ProfileStatus reports whether the user's health profile was loaded.
type ProfileStatus struct {
	Loaded  bool   `json:"loaded"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

// AssistantText carries a transcript of what the assistant said.
type AssistantText struct {
	Text string `json:"text"`
}

// PartialTranscript carries an in-progress transcript of the user's speech.
type PartialTranscript struct {
	Text string `json:"text"`
}

// Domain is an application payload forwarded untouched to the UI layer.
type Domain struct {
	Type string
	Raw  json.RawMessage
}

func (SessionReady) eventType() string         { return TypeSessionReady }
func (AssistantAudioFormat) eventType() string { return TypeAssistantAudioFormat }
func (AssistantInterrupted) eventType() string { return TypeAssistantInterrupted }
func (Warning) eventType() string              { return TypeWarning }
func (Error) eventType() string                { return TypeError }
func (FallbackStarted) eventType() string      { return TypeFallbackStarted }
func (FallbackCompleted) eventType() string    { return TypeFallbackCompleted }
func (SessionRecovering) eventType() string    { return TypeSessionRecovering }
func (ProfileStatus) eventType() string        { return TypeProfileStatus }
func (AssistantText) eventType() string        { return TypeAssistantText }
func (PartialTranscript) eventType() string    { return TypePartialTranscript }
func (d Domain) eventType() string             { return d.Type }

// Outbound is a control message sent by the client.
type Outbound interface {
	outboundType() string
}

// PTTStart opens a push-to-talk turn.
type PTTStart struct{}

// PTTEnd closes a push-to-talk turn. All audio of the turn must be sent
// before it.
type PTTEnd struct{}

// StopSession asks the backend to end the session gracefully.
type StopSession struct{}

func (PTTStart) outboundType() string    { return TypePTTStart }
func (PTTEnd) outboundType() string      { return TypePTTEnd }
func (StopSession) outboundType() string { return TypeStopSession }

// OutboundType returns the wire tag of ev.
func OutboundType(ev Outbound) string {
	if ev == nil {
		return ""
	}
	return ev.outboundType()
}
