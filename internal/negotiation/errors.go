package negotiation

import "errors"

var (
	ErrSignalingAlreadyExists = errors.New("signaling channel already exists")
	ErrRejected               = errors.New("rejected by signaling server")
	ErrSignalingMessage       = errors.New("invalid signaling message")
	ErrAnswerCreation         = errors.New("failed to create answer")
	ErrOfferApplication       = errors.New("failed to apply remote offer")
	ErrAnswerApplication      = errors.New("failed to apply remote answer")
	ErrPeerSessionFailed      = errors.New("peer session failed")
	ErrInvalidCandidate       = errors.New("invalid ice candidate")
)

// RejectError carries the reason of a reject message. It matches ErrRejected.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return "rejected by signaling server: " + e.Reason
}

func (e *RejectError) Is(target error) bool {
	return target == ErrRejected
}

// Reasons carried by the disconnect event.
const (
	ReasonRejected          = "REJECTED"
	ReasonSetOfferError     = "SET-OFFER-ERROR"
	ReasonSetAnswerError    = "SET-ANSWER-ERROR"
	ReasonICEFailed         = "ICE-CONNECTION-STATE-FAILED"
	ReasonSignalingError    = "SIGNALING-ERROR"
	ReasonWSClosed          = "WS-CLOSED"
	ReasonWSClosedWithError = "WS-CLOSED-WITH-ERROR"
	ReasonDisconnected      = "DISCONNECTED"
)
