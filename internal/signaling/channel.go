package signaling

import (
	"context"
	"errors"
)

var (
	// ErrChannelClosed reports that the control channel was closed cleanly.
	ErrChannelClosed = errors.New("signaling channel closed")
	// ErrChannelClosedWithError reports that the control channel dropped
	// because of a transport error.
	ErrChannelClosedWithError = errors.New("signaling channel closed with error")
)

// Channel is a message-oriented control channel to the rendezvous server.
//
// Incoming delivers text frames in arrival order and is closed once the
// channel is gone; Err then tells a clean close (nil) from a failure.
type Channel interface {
	Send(msg Message) error
	Incoming() <-chan []byte
	Err() error
	Done() <-chan struct{}
	Close() error
	Closed() bool
}

// Dialer opens a Channel to url.
type Dialer func(ctx context.Context, url string) (Channel, error)

// DialChannel is the default Dialer backed by a websocket.
func DialChannel(ctx context.Context, url string) (Channel, error) {
	c, err := Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return c, nil
}
