// Package signaling implements the control channel to the rendezvous server:
// the JSON wire messages, a websocket-backed Channel and a two-party dev server.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ayame-go/internal/config"
)

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	TypeRegister  MessageType = "register"
	TypePing      MessageType = "ping"
	TypePong      MessageType = "pong"
	TypeAccept    MessageType = "accept"
	TypeReject    MessageType = "reject"
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "candidate"
	TypeBye       MessageType = "bye"
	TypeClose     MessageType = "close"
)

// Message is the JSON structure exchanged over the control channel. Only the
// fields relevant to Type are set.
type Message struct {
	Type MessageType `json:"type"`

	// register
	RoomID        string `json:"roomId,omitempty"`
	ClientID      string `json:"clientId,omitempty"`
	AuthnMetadata any    `json:"authnMetadata,omitempty"`
	Key           string `json:"key,omitempty"`

	// accept / reject
	AuthzMetadata json.RawMessage    `json:"authzMetadata,omitempty"`
	IceServers    []config.ICEServer `json:"iceServers,omitempty"`
	IsExistUser   *bool              `json:"isExistUser,omitempty"`
	Reason        string             `json:"reason,omitempty"`

	// offer / answer
	SDP string `json:"sdp,omitempty"`

	// candidate, decoded by Candidate
	ICE json.RawMessage `json:"ice,omitempty"`
}

// NewRegister builds the first message sent once the channel is open.
func NewRegister(roomID, clientID string, authn any, key string) Message {
	return Message{
		Type:          TypeRegister,
		RoomID:        roomID,
		ClientID:      clientID,
		AuthnMetadata: authn,
		Key:           key,
	}
}

// NewPong answers a server ping.
func NewPong() Message {
	return Message{Type: TypePong}
}

// NewDescription wraps an offer or answer.
func NewDescription(desc webrtc.SessionDescription) Message {
	return Message{Type: MessageType(desc.Type.String()), SDP: desc.SDP}
}

// NewCandidate wraps a locally gathered ICE candidate.
func NewCandidate(init webrtc.ICECandidateInit) Message {
	ice, _ := json.Marshal(init)
	return Message{Type: TypeCandidate, ICE: ice}
}

// Candidate decodes the ice payload. ok is false when the message carries
// none.
func (m Message) Candidate() (init webrtc.ICECandidateInit, ok bool, err error) {
	if len(m.ICE) == 0 || string(m.ICE) == "null" {
		return init, false, nil
	}
	if err := json.Unmarshal(m.ICE, &init); err != nil {
		return init, true, fmt.Errorf("decode candidate: %w", err)
	}
	return init, true, nil
}

// Description converts an offer or answer message back into an SDP value.
func (m Message) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(m.Type)),
		SDP:  m.SDP,
	}
}

// Decode parses one control frame. A frame without a type decodes to an
// empty Type.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode signaling message: %w", err)
	}
	return msg, nil
}
