package transport

import "github.com/pion/webrtc/v4"

// Signal is the typed union published by an established transport. The
// lifecycle controller subscribes once at attach time; signals arrive in
// strict emission order on a single channel.
type Signal interface {
	signalType() string
}

// ChannelOpen fires when the control channel becomes usable.
type ChannelOpen struct{}

func (ChannelOpen) signalType() string { return "channel_open" }

// ChannelClosed fires when the control channel shuts.
type ChannelClosed struct{}

func (ChannelClosed) signalType() string { return "channel_closed" }

// Message carries one inbound control-channel payload.
type Message struct {
	Data []byte
}

func (Message) signalType() string { return "message" }

// RemoteTrack fires when the peer starts sending a media track.
type RemoteTrack struct {
	Kind string
	ID   string
}

func (RemoteTrack) signalType() string { return "remote_track" }

// ConnStateChanged reports a peer connection state transition.
type ConnStateChanged struct {
	State webrtc.PeerConnectionState
}

func (ConnStateChanged) signalType() string { return "conn_state" }

// ICEStateChanged reports an ICE connectivity state transition.
type ICEStateChanged struct {
	State webrtc.ICEConnectionState
}

func (ICEStateChanged) signalType() string { return "ice_state" }

// Failure is the sole reconnection trigger. It is emitted only for
// transitions to a failed value; "disconnected" may be transient and is
// surfaced as a plain state change instead.
type Failure struct {
	Reason string
}

func (Failure) signalType() string { return "failure" }

// failureFor maps a peer connection state to an optional Failure signal.
func failureForConnState(s webrtc.PeerConnectionState) (Failure, bool) {
	if s == webrtc.PeerConnectionStateFailed {
		return Failure{Reason: "peer connection failed"}, true
	}
	return Failure{}, false
}

func failureForICEState(s webrtc.ICEConnectionState) (Failure, bool) {
	if s == webrtc.ICEConnectionStateFailed {
		return Failure{Reason: "ice failed"}, true
	}
	return Failure{}, false
}
