package live

import (
	"fmt"

	"github.com/loqui-ai/voicelink/internal/metrics"
)

// handleMessage decodes one control-channel payload and routes it. Payloads
// that fail to decode are counted, logged, and dropped; the session carries
// on.
func (c *Controller) handleMessage(gen int, data []byte) {
	ev, err := DecodeEvent(data)
	if err != nil {
		metrics.EventDecodeFailures.Inc()
		c.logger.Debug("dropping undecodable control message", "error", err)
		return
	}
	metrics.EventsTotal.WithLabelValues(ev.EventType()).Inc()
	c.dispatch(gen, ev)
}

func (c *Controller) dispatch(gen int, ev Event) {
	switch e := ev.(type) {
	case SpeechStartedEvent:
		// Barge-in: queued assistant audio is stale once the user talks over it.
		c.mu.Lock()
		devices := c.devices
		c.mu.Unlock()
		devices.FlushPlayback()
		c.setStatusActive(StatusListening, "listening")
	case SpeechStoppedEvent:
		c.setStatusActive(StatusThinking, "thinking")
	case InputTranscriptEvent:
		if e.Transcript != "" {
			c.emitTranscript(TranscriptEntry{Speaker: SpeakerUser, Text: e.Transcript})
		}
	case ResponseStartedEvent:
		c.setStatusActive(StatusConnected, "assistant is responding")
	case ResponseDoneEvent:
		c.setStatusActive(StatusConnected, "ready")
	case OutputTranscriptEvent:
		if e.Transcript != "" {
			c.emitTranscript(TranscriptEntry{Speaker: SpeakerAssistant, Text: e.Transcript})
		}
	case FunctionCallEvent:
		c.onFunctionCall(e)
	case ServerErrorEvent:
		c.onServerError(gen, e)
	case RateLimitsEvent:
		for _, l := range e.Limits {
			if l.Name == "" {
				continue
			}
			metrics.RateLimitRemaining.WithLabelValues(l.Name).Set(l.Remaining)
		}
	case UnknownEvent:
		c.logger.Debug("ignoring unknown event", "type", e.Type)
	}
}

// onFunctionCall acts on completed tool invocations. Only the booking tool is
// recognized; malformed arguments are logged and swallowed so a bad tool call
// never destabilizes the session.
func (c *Controller) onFunctionCall(e FunctionCallEvent) {
	if e.Name != bookingToolName {
		c.logger.Debug("ignoring tool call", "name", e.Name)
		return
	}
	b, err := parseBooking(e.Arguments)
	if err != nil {
		c.logger.Warn("booking arguments did not parse", "call_id", e.CallID, "error", err)
		return
	}
	c.logger.Info("booking confirmed",
		"name", b.Name, "date", b.Date, "time", b.Time, "party_size", b.PartySize)
	c.emitTranscript(TranscriptEntry{
		Speaker: SpeakerSystem,
		Text:    fmt.Sprintf("Booking confirmed for %s on %s at %s, party of %d.", b.Name, b.Date, b.Time, b.PartySize),
	})
}

// onServerError distinguishes errors that invalidate the session from
// transient ones. An expired session tears down immediately with no
// reconnection; anything else is surfaced as a notice and the session keeps
// going.
func (c *Controller) onServerError(gen int, e ServerErrorEvent) {
	if e.Expired() {
		c.mu.Lock()
		if c.stopping || c.generation != gen {
			c.mu.Unlock()
			return
		}
		c.generation++
		c.mu.Unlock()

		c.logger.Warn("session invalidated by server", "code", e.Code, "message", e.Message)
		c.teardown()
		c.emitTranscript(TranscriptEntry{Speaker: SpeakerSystem, Text: "Session expired."})
		c.setStatus(StatusDisconnected, "session expired")
		return
	}
	c.logger.Warn("server reported an error", "code", e.Code, "message", e.Message)
	if e.Message != "" {
		c.emitTranscript(TranscriptEntry{Speaker: SpeakerSystem, Text: "Assistant error: " + e.Message})
	}
}
