// Package peer owns the peer session of a signaling session: the engine
// capability, its pion implementation and the coordinator that creates,
// replaces and releases the current handle.
package peer

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ayame-go/internal/datachannel"
)

// RemoteTrack is the part of *webrtc.TrackRemote surfaced in events.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Handlers receives the events of one Session. Nil fields are ignored.
// A nil candidate marks the end of gathering.
type Handlers struct {
	OnTrack                    func(track RemoteTrack)
	OnICECandidate             func(c *webrtc.ICECandidateInit)
	OnICEConnectionStateChange func(state webrtc.ICEConnectionState)
	OnDataChannel              func(ch datachannel.Channel)
	OnSignalingStateChange     func(state webrtc.SignalingState)
}

// Session is one peer connection.
type Session interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(c webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState

	// AddTrack attaches a local track with a sendrecv or sendonly transceiver.
	AddTrack(track webrtc.TrackLocal, direction webrtc.RTPTransceiverDirection) error
	// AddReceiver adds a recvonly transceiver of kind.
	AddReceiver(kind webrtc.RTPCodecType) error
	// HasReceiver reports whether a transceiver of kind can receive.
	HasReceiver(kind webrtc.RTPCodecType) bool
	SetVideoCodecPreferences(codecs []webrtc.RTPCodecParameters) error

	CreateDataChannel(label string, init *webrtc.DataChannelInit) (datachannel.Channel, error)

	// SetHandlers replaces every handler at once; Handlers{} detaches.
	SetHandlers(h Handlers)
	Close() error
	Closed() bool
}

// Config is the per-session engine configuration.
type Config struct {
	ICEServers []webrtc.ICEServer
	RelayOnly  bool
}

// Factory creates a Session.
type Factory func(cfg Config) (Session, error)

// MediaOptions configures one medium.
type MediaOptions struct {
	Direction webrtc.RTPTransceiverDirection
	Enabled   bool
	Codec     string // video only; "" leaves the engine's order
}

// Receives reports whether an offer should ask to receive this medium.
func (o MediaOptions) Receives() bool {
	return o.Enabled && o.Direction != webrtc.RTPTransceiverDirectionSendonly
}

// Media holds the local tracks of a session. Either may be nil.
type Media struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal
}
