package ayame

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ayame-go/internal/datachannel"
	"github.com/1ureka/ayame-go/internal/negotiation"
	"github.com/1ureka/ayame-go/internal/peer"
	"github.com/1ureka/ayame-go/internal/serial"
	"github.com/1ureka/ayame-go/internal/signaling"
	"github.com/1ureka/ayame-go/internal/teardown"
	"github.com/1ureka/ayame-go/internal/util"
)

// State is the negotiation state of a Connection.
type State = negotiation.State

const (
	StateNew          = negotiation.StateNew
	StateRegistering  = negotiation.StateRegistering
	StateOffering     = negotiation.StateOffering
	StateAnswering    = negotiation.StateAnswering
	StateRecreating   = negotiation.StateRecreating
	StateConnected    = negotiation.StateConnected
	StateDisconnected = negotiation.StateDisconnected
	StateFailed       = negotiation.StateFailed
)

// Connection is one member of a room. It runs at most one session at a
// time; a new Connect after the session ended starts a fresh one.
//
// Events are delivered on a goroutine of their own, in order, so handlers
// may call back into the Connection.
type Connection struct {
	url    string
	roomID string
	opts   Options
	set    settings
	h      handlers

	mu      sync.Mutex
	factory peer.Factory
	dialing bool
	sess    *session
}

// New creates a Connection to the signaling server at signalingURL for
// roomID. Nothing happens on the network until Connect.
func New(signalingURL, roomID string, opts Options, options ...Option) *Connection {
	set := defaultSettings()
	for _, o := range options {
		o(&set)
	}
	return &Connection{
		url:    signalingURL,
		roomID: roomID,
		opts:   opts,
		set:    set,
	}
}

// Connect opens the control channel, registers with the server and returns
// once the server accepted this client, or with the error that ended the
// session first. Negotiation goes on in the background; OnConnect reports
// its success.
func (c *Connection) Connect(ctx context.Context, media *LocalMedia, md *Metadata) error {
	if c.roomID == "" {
		return errors.New("ayame: room id is required")
	}
	factory, err := c.peerFactory()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.dialing || c.sess != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.dialing = true
	c.mu.Unlock()

	ch, err := c.set.dialer(ctx, c.url)
	if err != nil {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrChannelClosedWithError, err)
	}

	s := c.newSession(ch, factory, media, md)
	c.mu.Lock()
	c.dialing = false
	c.sess = s
	c.mu.Unlock()

	go s.pump()
	// A failed register is reported through Admitted.
	_ = s.do(ctx, s.m.Start)

	select {
	case err := <-s.m.Admitted():
		return err
	case <-ctx.Done():
		c.Disconnect(context.Background())
		return ctx.Err()
	}
}

// Disconnect tears the current session down and emits OnDisconnect with
// ReasonDisconnected. Without a session it does nothing.
func (c *Connection) Disconnect(ctx context.Context) error {
	s := c.current()
	if s == nil {
		return nil
	}
	err := s.do(ctx, func() error {
		s.m.Disconnect()
		return nil
	})
	if errors.Is(err, serial.ErrClosed) {
		return nil
	}
	return err
}

// AddDataChannel opens a data channel on the current peer session. It fails
// while no peer session exists or a local offer awaits its answer.
func (c *Connection) AddDataChannel(ctx context.Context, label string, init *webrtc.DataChannelInit) error {
	s := c.current()
	if s == nil {
		return ErrDataChannelNotReady
	}
	err := s.do(ctx, func() error {
		return s.m.AddDataChannel(label, init)
	})
	if errors.Is(err, serial.ErrClosed) {
		return ErrDataChannelNotReady
	}
	return err
}

// RemoveDataChannel closes an open data channel and waits until it is
// closed.
func (c *Connection) RemoveDataChannel(ctx context.Context, label string) error {
	s := c.current()
	if s == nil {
		return ErrDataChannelNotOpen
	}
	err := s.do(ctx, func() error {
		return s.m.RemoveDataChannel(ctx, label)
	})
	if errors.Is(err, serial.ErrClosed) {
		return ErrDataChannelNotOpen
	}
	return err
}

// SendData sends a binary message. The channel must be open.
func (c *Connection) SendData(label string, data []byte) error {
	s := c.current()
	if s == nil {
		return ErrDataChannelNotOpen
	}
	return s.reg.Send(label, data)
}

// SendText sends a text message. The channel must be open.
func (c *Connection) SendText(label, text string) error {
	s := c.current()
	if s == nil {
		return ErrDataChannelNotOpen
	}
	return s.reg.SendText(label, text)
}

// SendDataContext is SendData but waits while the channel's send buffer is
// full.
func (c *Connection) SendDataContext(ctx context.Context, label string, data []byte) error {
	s := c.current()
	if s == nil {
		return ErrDataChannelNotOpen
	}
	return s.reg.SendContext(ctx, label, data)
}

// State returns the negotiation state, StateNew without a session.
func (c *Connection) State() State {
	st := StateNew
	c.inspect(func(m *negotiation.Machine) { st = m.State() })
	return st
}

// AuthzMetadata returns the metadata of the server's accept message.
func (c *Connection) AuthzMetadata() json.RawMessage {
	var authz json.RawMessage
	c.inspect(func(m *negotiation.Machine) { authz = m.AuthzMetadata() })
	return authz
}

func (c *Connection) inspect(fn func(m *negotiation.Machine)) {
	s := c.current()
	if s == nil {
		return
	}
	s.do(context.Background(), func() error {
		fn(s.m)
		return nil
	})
}

func (c *Connection) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Connection) release(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == s {
		c.sess = nil
	}
}

func (c *Connection) peerFactory() (peer.Factory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.factory != nil {
		return c.factory, nil
	}
	if c.set.factory != nil {
		c.factory = c.set.factory
		return c.factory, nil
	}

	api, err := peer.NewAPI(peer.APIConfig{
		IncludeLoopback: c.set.engine.IncludeLoopback,
		LoggerFactory:   c.set.engine.LoggerFactory,
	})
	if err != nil {
		return nil, fmt.Errorf("create webrtc api: %w", err)
	}
	c.factory = peer.NewFactory(api)
	return c.factory, nil
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// session is everything one Connect owns. It is never reused.
type session struct {
	c   *Connection
	tag string

	q      *serial.Queue // negotiation
	events *serial.Queue // user handlers

	ch  signaling.Channel
	reg *datachannel.Registry
	m   *negotiation.Machine

	finished bool // session queue only
}

func (c *Connection) newSession(ch signaling.Channel, factory peer.Factory, media *LocalMedia, md *Metadata) *session {
	s := &session{
		c:      c,
		tag:    util.NewSessionTag(),
		q:      serial.New(),
		events: serial.New(),
		ch:     ch,
	}

	s.reg = datachannel.NewRegistry(datachannel.Config{
		Post: s.post,
		OnData: func(label string, msg webrtc.DataChannelMessage) {
			s.emit(func(h *handlers) {
				h.emitData(DataEvent{Label: label, Data: msg.Data, IsString: msg.IsString})
			})
		},
		CloseInterval: c.set.closeInterval,
		CloseMaxPolls: c.set.closeMaxPolls,
	})

	clientID := c.opts.ClientID
	if clientID == "" {
		clientID = util.NewClientID()
	}
	var authn any
	if md != nil {
		authn = md.AuthnMetadata
	}
	var local peer.Media
	if media != nil {
		local = *media
	}

	s.m = negotiation.New(negotiation.Config{
		Options: negotiation.Options{
			RoomID:        c.roomID,
			ClientID:      clientID,
			SignalingKey:  c.opts.SignalingKey,
			AuthnMetadata: authn,
			Audio:         c.opts.Audio,
			Video:         c.opts.Video,
			ICEServers:    append([]webrtc.ICEServer(nil), c.opts.ICEServers...),
			RelayOnly:     c.opts.RelayOnly,
			DataChannels:  append([]DataChannel(nil), c.opts.DataChannels...),
		},
		Media:    local,
		Channel:  ch,
		Factory:  factory,
		Registry: s.reg,
		Observer: s,
		Post:     s.post,
		Teardown: &teardown.Coordinator{
			Interval: c.set.closeInterval,
			MaxPolls: c.set.closeMaxPolls,
		},
		Tag: s.tag,
	})

	util.Stats.AddSession()
	util.LogDebug("[%s] session for room %q as %s", s.tag, c.roomID, clientID)
	return s
}

// post runs fn on the session queue. It never blocks.
func (s *session) post(fn func()) {
	s.q.Post(func() {
		fn()
		s.settle()
	})
}

// do runs fn on the session queue and waits for it.
func (s *session) do(ctx context.Context, fn func() error) error {
	return s.q.Do(ctx, func() error {
		err := fn()
		s.settle()
		return err
	})
}

// settle retires the session once its machine has torn down. Tasks already
// queued still run and find the machine done.
func (s *session) settle() {
	if s.finished || !s.m.Done() {
		return
	}
	s.finished = true
	s.c.release(s)
	s.q.Close()
	s.events.Close()
	util.LogDebug("[%s] session ended in state %s", s.tag, s.m.State())
}

// pump feeds inbound frames to the machine until the channel is gone.
func (s *session) pump() {
	for raw := range s.ch.Incoming() {
		util.LogTrace("[%s] <- %s", s.tag, raw)
		s.post(func() { s.m.HandleMessage(raw) })
	}
	err := s.ch.Err()
	s.post(func() { s.m.HandleChannelClosed(err) })
}

func (s *session) emit(fn func(h *handlers)) {
	s.events.Post(func() { fn(&s.c.h) })
}

// negotiation.Observer

func (s *session) Open(authz json.RawMessage) {
	s.emit(func(h *handlers) { h.emitOpen(OpenEvent{AuthzMetadata: authz}) })
}

func (s *session) Connect() {
	s.emit(func(h *handlers) { h.emitConnect() })
}

// Terminal events release the Connection first so their handlers may
// Connect again.

func (s *session) Disconnect(reason string, err error) {
	s.c.release(s)
	s.emit(func(h *handlers) { h.emitDisconnect(DisconnectEvent{Reason: reason, Err: err}) })
}

func (s *session) Bye() {
	s.c.release(s)
	s.emit(func(h *handlers) { h.emitBye() })
}

func (s *session) Close() {
	s.emit(func(h *handlers) { h.emitClose() })
}

func (s *session) AddStream(track RemoteTrack) {
	s.emit(func(h *handlers) { h.emitAddStream(StreamEvent{Track: track}) })
}

func (s *session) RemoveStream(track RemoteTrack) {
	s.emit(func(h *handlers) { h.emitRemoveStream(StreamEvent{Track: track}) })
}
