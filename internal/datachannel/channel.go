// Package datachannel keeps the label-keyed table of a session's data channels.
package datachannel

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

const (
	HighWaterMark = 256 * 1024 // SendContext waits when bufferedAmount exceeds this
	LowWaterMark  = 64 * 1024  // and resumes once it drops below this
)

// Channel is the part of *webrtc.DataChannel the registry relies on.
type Channel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	SendText(s string) error
	Close() error

	OnOpen(f func())
	OnClose(f func())
	OnError(f func(err error))
	OnMessage(f func(msg webrtc.DataChannelMessage))

	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
}

// Opener creates outbound channels; implemented by the current peer session.
type Opener interface {
	CreateDataChannel(label string, init *webrtc.DataChannelInit) (Channel, error)
}

// State is the registry's view of a channel.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Entry is one registered channel.
type Entry struct {
	Label   string
	Channel Channel

	mu        sync.Mutex
	state     State
	opened    bool
	sendReady chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

func newEntry(ch Channel) *Entry {
	e := &Entry{
		Label:     ch.Label(),
		Channel:   ch,
		sendReady: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if ch.ReadyState() == webrtc.DataChannelStateOpen {
		e.state = StateOpen
		e.opened = true
	}

	ch.SetBufferedAmountLowThreshold(LowWaterMark)
	ch.OnBufferedAmountLow(func() {
		select {
		case e.sendReady <- struct{}{}:
		default:
		}
	})
	return e
}

// State returns the last lifecycle state observed.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Entry) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
	if s == StateOpen {
		e.opened = true
	}
}

// Close asks the channel to close.
func (e *Entry) Close() error {
	return e.Channel.Close()
}

// Done is closed when the engine reports the channel closed.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

func (e *Entry) markDone() {
	e.doneOnce.Do(func() { close(e.done) })
}

// Closed reports whether the channel reached the closed state. A channel that
// never opened has no stream to reset and counts as closed once closing.
func (e *Entry) Closed() bool {
	select {
	case <-e.done:
		return true
	default:
	}

	switch e.Channel.ReadyState() {
	case webrtc.DataChannelStateClosed:
		return true
	case webrtc.DataChannelStateClosing:
		e.mu.Lock()
		defer e.mu.Unlock()
		return !e.opened
	default:
		return false
	}
}

// waitWritable blocks while the channel buffers more than HighWaterMark.
func (e *Entry) waitWritable(ctx context.Context) error {
	if e.Channel.BufferedAmount() <= HighWaterMark {
		return nil
	}
	select {
	case <-e.sendReady:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
