package live

// Status is the public connection status of a session. Exactly one value is
// active at a time; the controller is the only writer.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusListening
	StatusThinking
	StatusDisconnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusListening:
		return "listening"
	case StatusThinking:
		return "thinking"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// active reports whether control-channel events may drive status changes.
func (s Status) active() bool {
	switch s {
	case StatusConnected, StatusListening, StatusThinking:
		return true
	default:
		return false
	}
}

// Speaker identifies who a transcript entry belongs to.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
	SpeakerSystem    Speaker = "system"
)

// TranscriptEntry is one line of conversation or system notice surfaced to
// the presentation layer.
type TranscriptEntry struct {
	Speaker Speaker
	Text    string
}
