package ayame

import (
	"encoding/json"
	"sync"
)

// OpenEvent is emitted when the first peer session of a Connect is created.
type OpenEvent struct {
	AuthzMetadata json.RawMessage
}

// DisconnectEvent is the terminal event of a failed or locally ended session.
type DisconnectEvent struct {
	Reason string
	Err    error
}

// StreamEvent reports a remote track.
type StreamEvent struct {
	Track RemoteTrack
}

// DataEvent is a message received on a data channel.
type DataEvent struct {
	Label    string
	Data     []byte
	IsString bool
}

// handlers holds the subscribers of every event. Subscribers are called in
// registration order.
type handlers struct {
	mu sync.Mutex

	open         []func(OpenEvent)
	connect      []func()
	disconnect   []func(DisconnectEvent)
	bye          []func()
	close        []func()
	addStream    []func(StreamEvent)
	removeStream []func(StreamEvent)
	data         []func(DataEvent)
}

func snapshot[T any](mu *sync.Mutex, list []T) []T {
	mu.Lock()
	defer mu.Unlock()
	return append([]T(nil), list...)
}

func subscribe[T any](mu *sync.Mutex, list *[]T, fn T) {
	mu.Lock()
	defer mu.Unlock()
	*list = append(*list, fn)
}

func (h *handlers) emitOpen(e OpenEvent) {
	for _, fn := range snapshot(&h.mu, h.open) {
		fn(e)
	}
}

func (h *handlers) emitConnect() {
	for _, fn := range snapshot(&h.mu, h.connect) {
		fn()
	}
}

func (h *handlers) emitDisconnect(e DisconnectEvent) {
	for _, fn := range snapshot(&h.mu, h.disconnect) {
		fn(e)
	}
}

func (h *handlers) emitBye() {
	for _, fn := range snapshot(&h.mu, h.bye) {
		fn()
	}
}

func (h *handlers) emitClose() {
	for _, fn := range snapshot(&h.mu, h.close) {
		fn()
	}
}

func (h *handlers) emitAddStream(e StreamEvent) {
	for _, fn := range snapshot(&h.mu, h.addStream) {
		fn(e)
	}
}

func (h *handlers) emitRemoveStream(e StreamEvent) {
	for _, fn := range snapshot(&h.mu, h.removeStream) {
		fn(e)
	}
}

func (h *handlers) emitData(e DataEvent) {
	for _, fn := range snapshot(&h.mu, h.data) {
		fn(e)
	}
}

// ---------------------------------------------------------------------------
// Subscription
// ---------------------------------------------------------------------------

// OnOpen subscribes to the creation of the first peer session.
func (c *Connection) OnOpen(fn func(OpenEvent)) { subscribe(&c.h.mu, &c.h.open, fn) }

// OnConnect subscribes to ICE reaching the connected state.
func (c *Connection) OnConnect(fn func()) { subscribe(&c.h.mu, &c.h.connect, fn) }

// OnDisconnect subscribes to the terminal failure or local disconnect.
func (c *Connection) OnDisconnect(fn func(DisconnectEvent)) {
	subscribe(&c.h.mu, &c.h.disconnect, fn)
}

// OnBye subscribes to the peer leaving the room.
func (c *Connection) OnBye(fn func()) { subscribe(&c.h.mu, &c.h.bye, fn) }

// OnClose subscribes to the server's close notice.
func (c *Connection) OnClose(fn func()) { subscribe(&c.h.mu, &c.h.close, fn) }

func (c *Connection) OnAddStream(fn func(StreamEvent)) {
	subscribe(&c.h.mu, &c.h.addStream, fn)
}

func (c *Connection) OnRemoveStream(fn func(StreamEvent)) {
	subscribe(&c.h.mu, &c.h.removeStream, fn)
}

// OnData subscribes to messages of every data channel.
func (c *Connection) OnData(fn func(DataEvent)) { subscribe(&c.h.mu, &c.h.data, fn) }
