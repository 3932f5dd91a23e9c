// Package ayame is a client for the Ayame signaling protocol. A Connection
// joins a room on a rendezvous server, negotiates a WebRTC peer session with
// the other member of the room, and reports the session's lifecycle as
// events.
//
//	conn := ayame.New("wss://example.com/signaling", "my-room", ayame.DefaultOptions())
//	conn.OnConnect(func() { log.Println("connected") })
//	if err := conn.Connect(ctx, nil, nil); err != nil {
//		return err
//	}
//	defer conn.Disconnect(context.Background())
package ayame

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ayame-go/internal/negotiation"
	"github.com/1ureka/ayame-go/internal/peer"
	"github.com/1ureka/ayame-go/internal/util"
)

const version = "1.0.0"

// Version returns the library version.
func Version() string { return version }

// MediaOptions configures one medium: its transceiver direction, whether it
// is negotiated at all and, for video, the preferred codec name.
type MediaOptions = peer.MediaOptions

// LocalMedia holds the local tracks sent to the peer. Either may be nil.
type LocalMedia = peer.Media

// RemoteTrack identifies a track received from the peer.
type RemoteTrack = peer.RemoteTrack

// DataChannel declares a data channel negotiated with the first offer.
type DataChannel = negotiation.DataChannel

// Options configures a Connection. It is copied at Connect.
type Options struct {
	Audio MediaOptions
	Video MediaOptions

	// ClientID identifies this member of the room. Empty picks a random one.
	ClientID     string
	SignalingKey string
	ICEServers   []webrtc.ICEServer
	// RelayOnly restricts ICE to relay candidates.
	RelayOnly bool

	DataChannels []DataChannel
}

// Metadata is sent to the server with the register message.
type Metadata struct {
	AuthnMetadata any
}

// DefaultOptions returns sendrecv audio and video, no ICE servers and a
// random 17-digit client id.
func DefaultOptions() Options {
	return Options{
		Audio: MediaOptions{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
			Enabled:   true,
		},
		Video: MediaOptions{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
			Enabled:   true,
		},
		ClientID:   util.NewClientID(),
		ICEServers: []webrtc.ICEServer{},
	}
}
