package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingType is returned by [Decode] when the message has no type tag.
	ErrMissingType = errors.New("protocol: message missing type")

	// ErrUnknownType is returned by [Decode] for tags outside the known set.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Decode parses one inbound text message.
func Decode(data []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, ErrMissingType
	}

	switch typ {
	case TypeSessionReady:
		return decodeAs[SessionReady](typ, data)
	case TypeAssistantAudioFormat:
		return decodeAs[AssistantAudioFormat](typ, data)
	case TypeAssistantInterrupted:
		return AssistantInterrupted{}, nil
	case TypeWarning:
		return decodeAs[Warning](typ, data)
	case TypeError:
		return decodeAs[Error](typ, data)
	case TypeFallbackStarted:
		return decodeAs[FallbackStarted](typ, data)
	case TypeFallbackCompleted:
		return decodeAs[FallbackCompleted](typ, data)
	case TypeSessionRecovering:
		return decodeAs[SessionRecovering](typ, data)
	case TypeProfileStatus:
		return decodeAs[ProfileStatus](typ, data)
	case TypeAssistantText:
		return decodeAs[AssistantText](typ, data)
	case TypePartialTranscript:
		return decodeAs[PartialTranscript](typ, data)
	case TypeDoctorRecommendations, TypeBookingUpdate, TypeScheduleSnapshot, TypeAdherenceReportSaved:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Domain{Type: typ, Raw: raw}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

func decodeAs[T Event](typ string, data []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", typ, err)
	}
	return ev, nil
}

// Encode serialises an outbound control message as {"type": "..."}.
func Encode(ev Outbound) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("protocol: encode nil message")
	}
	data, err := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: ev.outboundType()})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", ev.outboundType(), err)
	}
	return data, nil
}
