package audio

// InterruptReason identifies why assistant playback was cut short. Every
// interrupt is a hard cut: the playback engine drops everything it holds and
// the output falls to silence on the next hardware cycle.
type InterruptReason int

const (
	// ServerInterrupt indicates that the peer announced the interruption with
	// an assistant_interrupted event.
	ServerInterrupt InterruptReason = iota

	// UserBargeIn indicates that the local voice activity gate detected
	// sustained speech while the assistant was talking. The client stops
	// playback without waiting for the server round trip.
	UserBargeIn

	// PushToTalk indicates that the user pressed the talk control while
	// assistant audio was still queued.
	PushToTalk

	// Teardown indicates that playback was silenced because the session is
	// disconnecting or failed.
	Teardown
)

// String returns the metric/log label for the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case ServerInterrupt:
		return "server"
	case UserBargeIn:
		return "barge_in"
	case PushToTalk:
		return "push_to_talk"
	case Teardown:
		return "teardown"
	default:
		return "unknown"
	}
}
