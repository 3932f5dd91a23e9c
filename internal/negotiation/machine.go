// Package negotiation translates the signaling protocol into peer session
// actions. A Machine serves exactly one signaling session and must only be
// driven from that session's queue.
package negotiation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ayame-go/internal/codec"
	"github.com/1ureka/ayame-go/internal/config"
	"github.com/1ureka/ayame-go/internal/datachannel"
	"github.com/1ureka/ayame-go/internal/peer"
	"github.com/1ureka/ayame-go/internal/signaling"
	"github.com/1ureka/ayame-go/internal/teardown"
	"github.com/1ureka/ayame-go/internal/util"
)

// Options is the immutable configuration of one session.
type Options struct {
	RoomID        string
	ClientID      string
	SignalingKey  string
	AuthnMetadata any

	Audio peer.MediaOptions
	Video peer.MediaOptions

	ICEServers []webrtc.ICEServer
	RelayOnly  bool

	// DataChannels are opened by the offering side before each offer, so
	// they are negotiated with it. The answering side receives them as
	// remote channels.
	DataChannels []DataChannel
}

// DataChannel declares a channel negotiated with the first offer.
type DataChannel struct {
	Label string
	Init  *webrtc.DataChannelInit
}

// Observer receives the public events of a session, on the session queue.
type Observer interface {
	Open(authz json.RawMessage)
	Connect()
	Disconnect(reason string, err error)
	Bye()
	Close()
	AddStream(track peer.RemoteTrack)
	RemoveStream(track peer.RemoteTrack)
}

// Config wires a Machine.
type Config struct {
	Options  Options
	Media    peer.Media
	Channel  signaling.Channel
	Factory  peer.Factory
	Registry *datachannel.Registry
	Observer Observer
	// Post schedules work on the session queue; it must not block.
	Post func(func())
	// Teardown bounds the close waits; the zero value uses the defaults.
	Teardown *teardown.Coordinator
	// Ctx bounds teardown; defaults to context.Background.
	Ctx context.Context
	// Tag prefixes log lines.
	Tag string
}

// Machine is the negotiation state machine.
type Machine struct {
	opts     Options
	media    peer.Media
	ch       signaling.Channel
	peers    *peer.Coordinator
	channels *datachannel.Registry
	td       *teardown.Coordinator
	obs      Observer
	ctx      context.Context
	tag      string

	state         State
	started       bool
	done          bool
	iceServers    []webrtc.ICEServer
	authz         json.RawMessage
	isExistUser   *bool
	offerInFlight bool
	declared      bool
	pending       []webrtc.ICECandidateInit
	recreations   int

	admitted    chan error
	admitIssued bool
}

// New creates a Machine in StateNew.
func New(cfg Config) *Machine {
	m := &Machine{
		opts:       cfg.Options,
		media:      cfg.Media,
		ch:         cfg.Channel,
		channels:   cfg.Registry,
		td:         cfg.Teardown,
		obs:        cfg.Observer,
		ctx:        cfg.Ctx,
		tag:        cfg.Tag,
		iceServers: cfg.Options.ICEServers,
		admitted:   make(chan error, 1),
	}
	if m.td == nil {
		m.td = &teardown.Coordinator{}
	}
	if m.ctx == nil {
		m.ctx = context.Background()
	}
	if m.channels == nil {
		m.channels = datachannel.NewRegistry(datachannel.Config{Post: cfg.Post})
	}

	m.peers = peer.NewCoordinator(cfg.Factory, cfg.Post, peer.Events{
		OnTrack:           m.obs.AddStream,
		OnTrackRemoved:    m.obs.RemoveStream,
		OnICECandidate:    m.onICECandidate,
		OnConnectionState: m.onConnectionState,
		WireDataChannel:   m.channels.Wire,
		OnDataChannel:     m.channels.AddRemote,
		OnSignalingState: func(state webrtc.SignalingState) {
			m.debug("signaling state: %s", state)
		},
	})
	return m
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (m *Machine) State() State                    { return m.state }
func (m *Machine) AuthzMetadata() json.RawMessage  { return m.authz }
func (m *Machine) Registry() *datachannel.Registry { return m.channels }

// Done reports whether teardown has started.
func (m *Machine) Done() bool { return m.done }

// Recreations counts peer sessions replaced because of glare.
func (m *Machine) Recreations() int { return m.recreations }

// IsExistUser returns the last isExistUser flag received, or nil.
func (m *Machine) IsExistUser() *bool { return m.isExistUser }

// OfferInFlight reports whether a local offer awaits its answer.
func (m *Machine) OfferInFlight() bool { return m.offerInFlight }

// Admitted yields one value: nil once the server accepted the client, or the
// error that ended the session before that.
func (m *Machine) Admitted() <-chan error { return m.admitted }

func (m *Machine) admit(err error) {
	if m.admitIssued {
		return
	}
	m.admitIssued = true
	m.admitted <- err
}

func (m *Machine) setState(s State) {
	if m.state == s {
		return
	}
	m.debug("state %s -> %s", m.state, s)
	m.state = s
}

func (m *Machine) debug(format string, args ...any) {
	util.LogDebug("[%s] "+format, append([]any{m.tag}, args...)...)
}

func (m *Machine) send(msg signaling.Message) error {
	return m.ch.Send(msg)
}

// ---------------------------------------------------------------------------
// Inputs
// ---------------------------------------------------------------------------

// Start sends register. It must be called once, after the channel opened.
func (m *Machine) Start() error {
	if m.started {
		return ErrSignalingAlreadyExists
	}
	m.started = true

	err := m.send(signaling.NewRegister(m.opts.RoomID, m.opts.ClientID, m.opts.AuthnMetadata, m.opts.SignalingKey))
	if err != nil {
		m.fail(ReasonWSClosedWithError, fmt.Errorf("%w: %w", signaling.ErrChannelClosedWithError, err))
		return err
	}
	m.setState(StateRegistering)
	return nil
}

// HandleMessage processes one inbound control frame.
func (m *Machine) HandleMessage(raw []byte) {
	if m.done {
		return
	}

	msg, err := signaling.Decode(raw)
	if err != nil {
		m.fail(ReasonSignalingError, fmt.Errorf("%w: %w", ErrSignalingMessage, err))
		return
	}
	if err := m.handle(msg); err != nil {
		m.fail(ReasonSignalingError, err)
	}
}

// HandleChannelClosed reacts to the control channel going away. err is nil
// for a clean close.
func (m *Machine) HandleChannelClosed(err error) {
	if m.done {
		return
	}
	if err == nil {
		m.fail(ReasonWSClosed, signaling.ErrChannelClosed)
		return
	}
	m.fail(ReasonWSClosedWithError, fmt.Errorf("%w: %w", signaling.ErrChannelClosedWithError, err))
}

// Disconnect tears the session down on local request. It is a no-op once
// teardown has started.
func (m *Machine) Disconnect() {
	if m.done {
		return
	}
	m.shutdown(StateDisconnected)
	m.obs.Disconnect(ReasonDisconnected, nil)
	m.admit(signaling.ErrChannelClosed)
}

// AddDataChannel opens an outbound data channel on the current peer session.
func (m *Machine) AddDataChannel(label string, init *webrtc.DataChannelInit) error {
	var opener datachannel.Opener
	if s := m.peers.Current(); s != nil && !m.done {
		opener = s
	}
	return m.channels.Add(label, init, opener, m.offerInFlight)
}

// RemoveDataChannel closes an open data channel.
func (m *Machine) RemoveDataChannel(ctx context.Context, label string) error {
	return m.channels.Remove(ctx, label)
}

// ---------------------------------------------------------------------------
// Message handling
// ---------------------------------------------------------------------------

func (m *Machine) handle(msg signaling.Message) error {
	switch msg.Type {
	case signaling.TypePing:
		return m.send(signaling.NewPong())
	case signaling.TypeAccept:
		return m.onAccept(msg)
	case signaling.TypeReject:
		m.onReject(msg)
	case signaling.TypeOffer:
		m.onOffer(msg)
	case signaling.TypeAnswer:
		m.onAnswer(msg)
	case signaling.TypeCandidate:
		m.onCandidate(msg)
	case signaling.TypeBye:
		m.obs.Bye()
		m.shutdown(StateDisconnected)
		m.admit(nil)
	case signaling.TypeClose:
		m.obs.Close()
	default:
		m.debug("ignored message type %q", msg.Type)
	}
	return nil
}

func (m *Machine) onAccept(msg signaling.Message) error {
	m.authz = msg.AuthzMetadata
	if len(msg.IceServers) > 0 {
		servers, err := config.ToWebRTC(msg.IceServers)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSignalingMessage, err)
		}
		m.debug("ice servers from accept: %d", len(servers))
		m.iceServers = servers
	}

	if msg.IsExistUser == nil {
		if m.peers.Current() == nil {
			if err := m.createPeer(); err != nil {
				return err
			}
		}
		if err := m.sendOffer(); err != nil {
			return err
		}
	} else {
		exist := *msg.IsExistUser
		m.isExistUser = &exist
		m.debug("isExistUser: %t", exist)
		if err := m.createPeer(); err != nil {
			return err
		}
		if exist {
			if err := m.sendOffer(); err != nil {
				return err
			}
		} else {
			m.setState(StateAnswering)
		}
	}

	m.admit(nil)
	return nil
}

func (m *Machine) onReject(msg signaling.Message) {
	reason := msg.Reason
	if reason == "" {
		reason = ReasonRejected
	}
	m.failWithState(reason, &RejectError{Reason: reason}, StateFailed)
}

func (m *Machine) onOffer(msg signaling.Message) {
	s := m.peers.Current()
	if s == nil {
		util.LogWarning("[%s] offer received without a peer session, ignored", m.tag)
		return
	}

	if s.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		m.setState(StateRecreating)
		m.recreations++
		m.debug("glare: replacing peer session (%d)", m.recreations)
		if err := m.createPeer(); err != nil {
			m.fail(ReasonSetOfferError, fmt.Errorf("%w: %w", ErrOfferApplication, err))
			return
		}
		// Queued candidates belong to the offer being applied.
		m.offerInFlight = false
		s = m.peers.Current()
	}

	if err := s.SetRemoteDescription(msg.Description()); err != nil {
		m.fail(ReasonSetOfferError, fmt.Errorf("%w: %w", ErrOfferApplication, err))
		return
	}
	m.flushCandidates(s)
	m.setState(StateAnswering)

	answer, err := s.CreateAnswer()
	if err != nil {
		m.fail(ReasonSetOfferError, fmt.Errorf("%w: %w", ErrAnswerCreation, err))
		return
	}
	if err := s.SetLocalDescription(answer); err != nil {
		m.fail(ReasonSetOfferError, fmt.Errorf("%w: %w", ErrAnswerCreation, err))
		return
	}
	if err := m.send(signaling.NewDescription(localOr(s, answer))); err != nil {
		m.fail(ReasonSignalingError, err)
		return
	}
	m.logCodecs("answer", localOr(s, answer).SDP)
}

func (m *Machine) onAnswer(msg signaling.Message) {
	s := m.peers.Current()
	if s == nil {
		m.debug("answer received without a peer session, ignored")
		return
	}
	if err := s.SetRemoteDescription(msg.Description()); err != nil {
		m.fail(ReasonSetAnswerError, fmt.Errorf("%w: %w", ErrAnswerApplication, err))
		return
	}
	m.flushCandidates(s)
}

func (m *Machine) onCandidate(msg signaling.Message) {
	c, ok, err := msg.Candidate()
	if err != nil {
		m.debug("%v", fmt.Errorf("%w: %w", ErrInvalidCandidate, err))
		return
	}
	if !ok {
		return
	}
	s := m.peers.Current()
	if s == nil || s.RemoteDescription() == nil {
		m.pending = append(m.pending, c)
		return
	}
	m.applyCandidate(s, c)
}

func (m *Machine) flushCandidates(s peer.Session) {
	queued := m.pending
	m.pending = nil
	for _, c := range queued {
		m.applyCandidate(s, c)
	}
}

func (m *Machine) applyCandidate(s peer.Session, c webrtc.ICECandidateInit) {
	if err := s.AddICECandidate(c); err != nil {
		m.debug("%v", fmt.Errorf("%w %q: %w", ErrInvalidCandidate, c.Candidate, err))
	}
}

// ---------------------------------------------------------------------------
// Peer session
// ---------------------------------------------------------------------------

func (m *Machine) createPeer() error {
	first, err := m.peers.Create(
		peer.Config{ICEServers: m.iceServers, RelayOnly: m.opts.RelayOnly},
		m.media, m.opts.Audio, m.opts.Video,
	)
	if err != nil {
		return err
	}
	m.declared = false
	if first {
		m.obs.Open(m.authz)
	}
	return nil
}

// sendOffer creates, optionally filters, applies and sends a local offer.
func (m *Machine) sendOffer() error {
	s := m.peers.Current()
	if s == nil {
		return nil
	}

	wants := []struct {
		kind webrtc.RTPCodecType
		opts peer.MediaOptions
	}{
		{webrtc.RTPCodecTypeAudio, m.opts.Audio},
		{webrtc.RTPCodecTypeVideo, m.opts.Video},
	}
	for _, w := range wants {
		if w.opts.Receives() && !s.HasReceiver(w.kind) {
			if err := s.AddReceiver(w.kind); err != nil {
				return err
			}
		}
	}

	if !m.declared {
		for _, dc := range m.opts.DataChannels {
			if err := m.channels.Open(dc.Label, dc.Init, s); err != nil {
				return err
			}
		}
		m.declared = true
	}

	offer, err := s.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if m.peers.RemoveCodec() && m.opts.Video.Codec != "" {
		offer.SDP = codec.Filter(offer.SDP, m.opts.Video.Codec)
	}
	if err := s.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := m.send(signaling.NewDescription(localOr(s, offer))); err != nil {
		return err
	}

	m.offerInFlight = true
	m.setState(StateOffering)
	m.logCodecs("offer", offer.SDP)
	return nil
}

func localOr(s peer.Session, fallback webrtc.SessionDescription) webrtc.SessionDescription {
	if d := s.LocalDescription(); d != nil {
		return *d
	}
	return fallback
}

func (m *Machine) logCodecs(kind, sdp string) {
	if !util.DebugEnabled() {
		return
	}
	names, err := codec.VideoCodecs(sdp)
	if err != nil {
		m.debug("%s codecs: %v", kind, err)
		return
	}
	m.debug("%s video codecs: %v", kind, names)
}

func (m *Machine) onICECandidate(c *webrtc.ICECandidateInit) {
	if c == nil {
		m.debug("ice gathering complete")
		return
	}
	if err := m.send(signaling.NewCandidate(*c)); err != nil {
		m.debug("send candidate: %v", err)
	}
}

func (m *Machine) onConnectionState(state webrtc.ICEConnectionState) {
	m.debug("ice connection state: %s", state)
	switch state {
	case webrtc.ICEConnectionStateConnected:
		m.offerInFlight = false
		m.setState(StateConnected)
		m.obs.Connect()
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		m.fail(ReasonICEFailed, fmt.Errorf("%w: ice connection %s", ErrPeerSessionFailed, state))
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// fail tears the session down and reports reason once.
func (m *Machine) fail(reason string, err error) {
	m.failWithState(reason, err, StateFailed)
}

func (m *Machine) failWithState(reason string, err error, final State) {
	if m.done {
		return
	}
	util.LogWarning("[%s] %s: %v", m.tag, reason, err)
	m.shutdown(final)
	m.obs.Disconnect(reason, err)
	m.admit(err)
}

// shutdown detaches the peer session, closes every resource and clears the
// session data. Only the first call does anything.
func (m *Machine) shutdown(final State) {
	if m.done {
		return
	}
	m.done = true

	plan := teardown.Plan{
		DataChannels: m.channels.Closables(),
		Signal:       m.ch,
		Reset: func() {
			m.authz = nil
			m.isExistUser = nil
			m.offerInFlight = false
			m.pending = nil
			m.channels.Clear()
		},
	}
	if s := m.peers.Release(); s != nil {
		plan.Peer = s
	}

	if err := m.td.Run(m.ctx, plan); err != nil {
		util.LogWarning("[%s] teardown: %v", m.tag, err)
	}
	m.setState(final)
}
