package datachannel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ayame-go/internal/teardown"
	"github.com/1ureka/ayame-go/internal/util"
)

var (
	ErrNotReady      = errors.New("peer session is not ready")
	ErrOfferInFlight = errors.New("peer session has a local offer in flight")
	ErrExists        = errors.New("data channel already exists")
	ErrNotOpen       = errors.New("data channel is not open")
)

// Config wires a Registry into its session.
type Config struct {
	// Post schedules lifecycle updates on the session queue. When nil they
	// run inline.
	Post func(func())
	// OnData receives every inbound message with the label of its channel.
	OnData func(label string, msg webrtc.DataChannelMessage)
	// Close wait used by Remove.
	CloseInterval time.Duration
	CloseMaxPolls int
}

// Registry maps labels to channels. Labels are unique: adding an existing
// label fails, and a remote channel replaces the entry with its label.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Post == nil {
		cfg.Post = func(fn func()) { fn() }
	}
	return &Registry{
		cfg:     cfg,
		entries: make(map[string]*Entry),
	}
}

// Add creates an outbound channel on opener. opener is nil when no peer
// session exists yet.
func (r *Registry) Add(label string, init *webrtc.DataChannelInit, opener Opener, offerInFlight bool) error {
	if opener == nil {
		return ErrNotReady
	}
	if offerInFlight {
		return ErrOfferInFlight
	}
	if _, ok := r.Find(label); ok {
		return fmt.Errorf("%w: %q", ErrExists, label)
	}

	return r.Open(label, init, opener)
}

// Open creates a channel on opener without checking preconditions and
// registers it, replacing any entry with the same label.
func (r *Registry) Open(label string, init *webrtc.DataChannelInit, opener Opener) error {
	ch, err := opener.CreateDataChannel(label, init)
	if err != nil {
		return fmt.Errorf("create data channel %q: %w", label, err)
	}

	r.store(r.wire(ch))
	util.LogDebug("data channel %q added", label)
	return nil
}

// Wire installs the registry's handlers on a channel opened by the remote
// peer and returns its entry without registering it. It must run inside
// the engine's data channel callback: messages that arrive before a
// handler is set are lost. Channels without a label yield nil.
func (r *Registry) Wire(ch Channel) *Entry {
	if ch == nil || ch.Label() == "" {
		return nil
	}
	return r.wire(ch)
}

// AddRemote registers an entry returned by Wire, replacing any entry with
// the same label. A nil entry is ignored.
func (r *Registry) AddRemote(e *Entry) {
	if e == nil {
		return
	}
	if old := r.store(e); old != nil {
		util.LogDebug("data channel %q replaced by remote channel", e.Label)
		return
	}
	util.LogDebug("remote data channel %q registered", e.Label)
}

// wire creates the entry for ch and installs its lifecycle handlers.
func (r *Registry) wire(ch Channel) *Entry {
	e := newEntry(ch)
	label := e.Label

	ch.OnOpen(func() {
		r.cfg.Post(func() {
			e.setState(StateOpen)
			util.LogDebug("data channel %q open", label)
		})
	})
	ch.OnClose(func() {
		e.markDone()
		r.cfg.Post(func() {
			e.setState(StateClosed)
			r.evict(e)
			util.LogDebug("data channel %q closed", label)
		})
	})
	ch.OnError(func(err error) {
		r.cfg.Post(func() {
			e.setState(StateClosed)
			r.evict(e)
			util.LogDebug("data channel %q error: %v", label, err)
		})
	})
	ch.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		r.cfg.Post(func() {
			if r.cfg.OnData != nil {
				r.cfg.OnData(label, msg)
			}
		})
	})
	return e
}

// store registers e and returns the entry it replaced.
func (r *Registry) store(e *Entry) *Entry {
	label := e.Label
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.entries[label]
	r.entries[label] = e
	return old
}

// evict removes e unless its label has been taken over by another entry.
func (r *Registry) evict(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[e.Label] == e {
		delete(r.entries, e.Label)
	}
}

// Find returns the entry registered under label.
func (r *Registry) Find(label string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[label]
	return e, ok
}

func (r *Registry) open(label string) (*Entry, error) {
	e, ok := r.Find(label)
	if !ok || e.State() != StateOpen {
		return nil, fmt.Errorf("%w: %q", ErrNotOpen, label)
	}
	return e, nil
}

// Send writes binary data to an open channel.
func (r *Registry) Send(label string, data []byte) error {
	e, err := r.open(label)
	if err != nil {
		return err
	}
	if err := e.Channel.Send(data); err != nil {
		return fmt.Errorf("send on %q: %w", label, err)
	}
	util.Stats.AddSent(len(data))
	return nil
}

// SendText writes a text message to an open channel.
func (r *Registry) SendText(label, text string) error {
	e, err := r.open(label)
	if err != nil {
		return err
	}
	if err := e.Channel.SendText(text); err != nil {
		return fmt.Errorf("send on %q: %w", label, err)
	}
	util.Stats.AddSent(len(text))
	return nil
}

// SendContext is Send with backpressure: it blocks while the channel's
// buffer is above HighWaterMark, or until ctx is done.
func (r *Registry) SendContext(ctx context.Context, label string, data []byte) error {
	e, err := r.open(label)
	if err != nil {
		return err
	}
	if err := e.waitWritable(ctx); err != nil {
		return err
	}
	return r.Send(label, data)
}

// Remove closes an open channel, waits for it to report closed, then drops
// the entry.
func (r *Registry) Remove(ctx context.Context, label string) error {
	e, err := r.open(label)
	if err != nil {
		return err
	}

	err = teardown.AwaitClosed(ctx, e, r.cfg.CloseInterval, r.cfg.CloseMaxPolls)
	r.evict(e)
	if err != nil {
		return fmt.Errorf("remove %q: %w", label, err)
	}
	util.LogDebug("data channel %q removed", label)
	return nil
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Labels returns the registered labels in no particular order.
func (r *Registry) Labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	labels := make([]string, 0, len(r.entries))
	for l := range r.entries {
		labels = append(labels, l)
	}
	return labels
}

// Closables returns every entry as a teardown.Closable.
func (r *Registry) Closables() []teardown.Closable {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]teardown.Closable, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Clear drops every entry without closing it.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Entry)
}
