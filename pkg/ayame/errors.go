package ayame

import (
	"errors"

	"github.com/1ureka/ayame-go/internal/codec"
	"github.com/1ureka/ayame-go/internal/datachannel"
	"github.com/1ureka/ayame-go/internal/negotiation"
	"github.com/1ureka/ayame-go/internal/signaling"
	"github.com/1ureka/ayame-go/internal/teardown"
)

// ErrAlreadyConnected is returned by Connect while a session is active.
var ErrAlreadyConnected = errors.New("ayame: already connected")

var (
	ErrSignalingAlreadyExists = negotiation.ErrSignalingAlreadyExists
	ErrChannelClosed          = signaling.ErrChannelClosed
	ErrChannelClosedWithError = signaling.ErrChannelClosedWithError
	ErrRejected               = negotiation.ErrRejected
	ErrSignalingMessage       = negotiation.ErrSignalingMessage
	ErrAnswerCreation         = negotiation.ErrAnswerCreation
	ErrOfferApplication       = negotiation.ErrOfferApplication
	ErrAnswerApplication      = negotiation.ErrAnswerApplication
	ErrPeerSessionFailed      = negotiation.ErrPeerSessionFailed
	ErrInvalidCandidate       = negotiation.ErrInvalidCandidate
	ErrClosingTimeout         = teardown.ErrClosingTimeout
	ErrUnknownCodec           = codec.ErrUnknownCodec

	ErrDataChannelNotReady = datachannel.ErrNotReady
	ErrDataChannelExists   = datachannel.ErrExists
	ErrDataChannelNotOpen  = datachannel.ErrNotOpen
	ErrOfferInFlight       = datachannel.ErrOfferInFlight
)

// RejectError carries the reason of a server reject. It matches ErrRejected.
type RejectError = negotiation.RejectError

// Disconnect reasons.
const (
	ReasonRejected          = negotiation.ReasonRejected
	ReasonSetOfferError     = negotiation.ReasonSetOfferError
	ReasonSetAnswerError    = negotiation.ReasonSetAnswerError
	ReasonICEFailed         = negotiation.ReasonICEFailed
	ReasonSignalingError    = negotiation.ReasonSignalingError
	ReasonWSClosed          = negotiation.ReasonWSClosed
	ReasonWSClosedWithError = negotiation.ReasonWSClosedWithError
	ReasonDisconnected      = negotiation.ReasonDisconnected
)
