package live

import (
	"encoding/json"
	"fmt"
)

// Event is one decoded control-channel message from the remote endpoint.
type Event interface {
	EventType() string
}

// SpeechStartedEvent marks the start of user speech detected upstream.
type SpeechStartedEvent struct{}

func (SpeechStartedEvent) EventType() string { return "input_audio_buffer.speech_started" }

// SpeechStoppedEvent marks the end of user speech detected upstream.
type SpeechStoppedEvent struct{}

func (SpeechStoppedEvent) EventType() string { return "input_audio_buffer.speech_stopped" }

// InputTranscriptEvent carries the finalized transcript of a user utterance.
type InputTranscriptEvent struct {
	Transcript string
}

func (InputTranscriptEvent) EventType() string {
	return "conversation.item.input_audio_transcription.completed"
}

// ResponseStartedEvent marks the beginning of an assistant response.
type ResponseStartedEvent struct {
	ResponseID string
}

func (ResponseStartedEvent) EventType() string { return "response.created" }

// ResponseDoneEvent marks the end of an assistant response.
type ResponseDoneEvent struct {
	ResponseID string
}

func (ResponseDoneEvent) EventType() string { return "response.done" }

// OutputTranscriptEvent carries the finalized transcript of assistant audio.
type OutputTranscriptEvent struct {
	Transcript string
}

func (OutputTranscriptEvent) EventType() string { return "response.audio_transcript.done" }

// FunctionCallEvent carries a completed tool invocation with raw JSON
// arguments.
type FunctionCallEvent struct {
	Name      string
	CallID    string
	Arguments string
}

func (FunctionCallEvent) EventType() string { return "response.function_call_arguments.done" }

// ServerErrorEvent is an error reported by the remote endpoint over the
// control channel.
type ServerErrorEvent struct {
	Code    string
	Message string
}

func (ServerErrorEvent) EventType() string { return "error" }

// sessionExpired is the server error code that invalidates the whole session.
const sessionExpiredCode = "session_expired"

// Expired reports whether the error invalidates the session outright.
func (e ServerErrorEvent) Expired() bool { return e.Code == sessionExpiredCode }

// RateLimit is one upstream quota bucket.
type RateLimit struct {
	Name      string  `json:"name"`
	Limit     float64 `json:"limit"`
	Remaining float64 `json:"remaining"`
}

// RateLimitsEvent reports updated upstream quota after a response.
type RateLimitsEvent struct {
	Limits []RateLimit
}

func (RateLimitsEvent) EventType() string { return "rate_limits.updated" }

// UnknownEvent preserves messages with an unrecognized type discriminant so
// the caller can log and move on.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) EventType() string { return e.Type }

// DecodeEvent parses one control-channel payload. The envelope carries a
// "type" discriminant; payload fields vary per type. Unrecognized types
// decode to UnknownEvent rather than erroring.
func DecodeEvent(data []byte) (Event, error) {
	var envelope struct {
		Type       string `json:"type"`
		Transcript string `json:"transcript"`
		Name       string `json:"name"`
		CallID     string `json:"call_id"`
		Arguments  string `json:"arguments"`
		Response   struct {
			ID string `json:"id"`
		} `json:"response"`
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		RateLimits []RateLimit `json:"rate_limits"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("live: decode event: %w", err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("live: decode event: missing type discriminant")
	}

	switch envelope.Type {
	case "input_audio_buffer.speech_started":
		return SpeechStartedEvent{}, nil
	case "input_audio_buffer.speech_stopped":
		return SpeechStoppedEvent{}, nil
	case "conversation.item.input_audio_transcription.completed":
		return InputTranscriptEvent{Transcript: envelope.Transcript}, nil
	case "response.created":
		return ResponseStartedEvent{ResponseID: envelope.Response.ID}, nil
	case "response.done":
		return ResponseDoneEvent{ResponseID: envelope.Response.ID}, nil
	case "response.audio_transcript.done":
		return OutputTranscriptEvent{Transcript: envelope.Transcript}, nil
	case "response.function_call_arguments.done":
		return FunctionCallEvent{
			Name:      envelope.Name,
			CallID:    envelope.CallID,
			Arguments: envelope.Arguments,
		}, nil
	case "error":
		return ServerErrorEvent{Code: envelope.Error.Code, Message: envelope.Error.Message}, nil
	case "rate_limits.updated":
		return RateLimitsEvent{Limits: envelope.RateLimits}, nil
	default:
		return UnknownEvent{Type: envelope.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// BookingConfirmation is the argument payload of the confirm_booking tool.
type BookingConfirmation struct {
	Name      string `json:"name"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	PartySize int    `json:"party_size"`
}

// bookingToolName is the only tool invocation the client acts on.
const bookingToolName = "confirm_booking"

func parseBooking(arguments string) (BookingConfirmation, error) {
	var b BookingConfirmation
	if err := json.Unmarshal([]byte(arguments), &b); err != nil {
		return BookingConfirmation{}, fmt.Errorf("live: parse booking arguments: %w", err)
	}
	return b, nil
}
