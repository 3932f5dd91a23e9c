// Package peertest provides in-memory peer sessions for tests.
package peertest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ayame-go/internal/datachannel"
	"github.com/1ureka/ayame-go/internal/peer"
)

// OfferSDP is the SDP returned by Session.CreateOffer unless overridden.
const OfferSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96 97 98 99\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtpmap:97 rtx/90000\r\n" +
	"a=fmtp:97 apt=96\r\n" +
	"a=rtpmap:98 VP9/90000\r\n" +
	"a=rtpmap:99 rtx/90000\r\n" +
	"a=fmtp:99 apt=98\r\n"

// AnswerSDP is the SDP returned by Session.CreateAnswer.
const AnswerSDP = "v=0\r\no=- 2 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// Session is a scripted peer.Session. Errors in Fail make the named method
// fail, e.g. Fail["SetRemoteDescription"].
type Session struct {
	ID int

	mu         sync.Mutex
	Fail       map[string]error
	Calls      []string
	Candidates []webrtc.ICECandidateInit
	Receivers  map[webrtc.RTPCodecType]bool
	Tracks     []webrtc.RTPTransceiverDirection
	CodecPrefs []webrtc.RTPCodecParameters
	Channels   []*DataChannel

	offerSDP string
	local    *webrtc.SessionDescription
	remote   *webrtc.SessionDescription
	state    webrtc.SignalingState
	handlers peer.Handlers
	closed   bool
}

func (s *Session) record(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, call)
	return s.Fail[call]
}

// CallLog returns a copy of the recorded method names.
func (s *Session) CallLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Calls...)
}

// AppliedCandidates returns a copy of the candidates added so far.
func (s *Session) AppliedCandidates() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), s.Candidates...)
}

func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	if err := s.record("CreateOffer"); err != nil {
		return webrtc.SessionDescription{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sdp := s.offerSDP
	if sdp == "" {
		sdp = OfferSDP
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}, nil
}

func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	if err := s.record("CreateAnswer"); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: AnswerSDP}, nil
}

func (s *Session) SetLocalDescription(desc webrtc.SessionDescription) error {
	if err := s.record("SetLocalDescription"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		s.state = webrtc.SignalingStateHaveLocalOffer
	} else {
		s.state = webrtc.SignalingStateStable
	}
	return nil
}

func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := s.record("SetRemoteDescription"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		s.state = webrtc.SignalingStateHaveRemoteOffer
	} else {
		s.state = webrtc.SignalingStateStable
	}
	return nil
}

func (s *Session) LocalDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) RemoteDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Session) AddICECandidate(c webrtc.ICECandidateInit) error {
	if err := s.record("AddICECandidate"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Candidates = append(s.Candidates, c)
	return nil
}

func (s *Session) SignalingState() webrtc.SignalingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return webrtc.SignalingStateClosed
	}
	if s.state == webrtc.SignalingStateUnknown {
		return webrtc.SignalingStateStable
	}
	return s.state
}

func (s *Session) AddTrack(track webrtc.TrackLocal, direction webrtc.RTPTransceiverDirection) error {
	if err := s.record("AddTrack"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tracks = append(s.Tracks, direction)
	s.receivers()[track.Kind()] = direction != webrtc.RTPTransceiverDirectionSendonly
	return nil
}

func (s *Session) AddReceiver(kind webrtc.RTPCodecType) error {
	if err := s.record("AddReceiver:" + kind.String()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivers()[kind] = true
	return nil
}

func (s *Session) HasReceiver(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receivers()[kind]
}

// receivers must be called with mu held.
func (s *Session) receivers() map[webrtc.RTPCodecType]bool {
	if s.Receivers == nil {
		s.Receivers = make(map[webrtc.RTPCodecType]bool)
	}
	return s.Receivers
}

func (s *Session) SetVideoCodecPreferences(codecs []webrtc.RTPCodecParameters) error {
	if err := s.record("SetVideoCodecPreferences"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CodecPrefs = codecs
	return nil
}

func (s *Session) CreateDataChannel(label string, _ *webrtc.DataChannelInit) (datachannel.Channel, error) {
	if err := s.record("CreateDataChannel"); err != nil {
		return nil, err
	}
	ch := NewDataChannel(label)
	s.mu.Lock()
	s.Channels = append(s.Channels, ch)
	s.mu.Unlock()
	return ch, nil
}

func (s *Session) SetHandlers(h peer.Handlers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = h
}

// Handlers returns the currently installed handlers.
func (s *Session) Handlers() peer.Handlers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers
}

func (s *Session) Close() error {
	s.record("Close")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ---------------------------------------------------------------------------
// Engine events
// ---------------------------------------------------------------------------

// EmitICEState delivers an ICE connection state through the installed handler.
func (s *Session) EmitICEState(state webrtc.ICEConnectionState) {
	if fn := s.Handlers().OnICEConnectionStateChange; fn != nil {
		fn(state)
	}
}

// EmitCandidate delivers a locally gathered candidate; nil ends gathering.
func (s *Session) EmitCandidate(c *webrtc.ICECandidateInit) {
	if fn := s.Handlers().OnICECandidate; fn != nil {
		fn(c)
	}
}

// EmitTrack delivers a remote track.
func (s *Session) EmitTrack(t peer.RemoteTrack) {
	if fn := s.Handlers().OnTrack; fn != nil {
		fn(t)
	}
}

// EmitDataChannel delivers a channel opened by the remote peer.
func (s *Session) EmitDataChannel(ch datachannel.Channel) {
	if fn := s.Handlers().OnDataChannel; fn != nil {
		fn(ch)
	}
}

// Factory records every Session it creates.
type Factory struct {
	// OfferSDP overrides the offer of new sessions.
	OfferSDP string
	// Err makes New fail.
	Err error
	// Fail is copied into every new Session.
	Fail map[string]error

	mu       sync.Mutex
	sessions []*Session
	configs  []peer.Config
}

// New satisfies peer.Factory.
func (f *Factory) New(cfg peer.Config) (peer.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	s := &Session{ID: len(f.sessions) + 1, offerSDP: f.OfferSDP, Fail: f.Fail}
	f.sessions = append(f.sessions, s)
	f.configs = append(f.configs, cfg)
	return s, nil
}

// Sessions returns the sessions created so far, oldest first.
func (f *Factory) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Session(nil), f.sessions...)
}

// Last returns the most recent session.
func (f *Factory) Last() *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

// Configs returns the configurations passed to New.
func (f *Factory) Configs() []peer.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]peer.Config(nil), f.configs...)
}

// Track is a RemoteTrack with fixed fields.
type Track struct {
	TrackID string
	Stream  string
	Type    webrtc.RTPCodecType
}

func (t Track) ID() string                { return t.TrackID }
func (t Track) StreamID() string          { return t.Stream }
func (t Track) Kind() webrtc.RTPCodecType { return t.Type }

// ErrInjected is a ready-made failure for Session.Fail.
var ErrInjected = errors.New("injected failure")

// DataChannel is an in-memory datachannel.Channel.
type DataChannel struct {
	label string

	mu        sync.Mutex
	state     webrtc.DataChannelState
	sent      []string
	onOpen    func()
	onClose   func()
	onError   func(error)
	onMessage func(webrtc.DataChannelMessage)
}

// NewDataChannel returns a connecting channel.
func NewDataChannel(label string) *DataChannel {
	return &DataChannel{label: label, state: webrtc.DataChannelStateConnecting}
}

func (d *DataChannel) Label() string { return d.label }

func (d *DataChannel) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *DataChannel) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != webrtc.DataChannelStateOpen {
		return fmt.Errorf("channel %q is %s", d.label, d.state)
	}
	d.sent = append(d.sent, string(data))
	return nil
}

func (d *DataChannel) SendText(s string) error { return d.Send([]byte(s)) }

func (d *DataChannel) Close() error {
	d.mu.Lock()
	if d.state == webrtc.DataChannelStateClosed {
		d.mu.Unlock()
		return nil
	}
	d.state = webrtc.DataChannelStateClosed
	cb := d.onClose
	d.mu.Unlock()
	if cb != nil {
		go cb()
	}
	return nil
}

func (d *DataChannel) OnOpen(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onOpen = f
}

func (d *DataChannel) OnClose(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClose = f
}

func (d *DataChannel) OnError(f func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = f
}

func (d *DataChannel) OnMessage(f func(webrtc.DataChannelMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = f
}

func (d *DataChannel) BufferedAmount() uint64               { return 0 }
func (d *DataChannel) SetBufferedAmountLowThreshold(uint64) {}
func (d *DataChannel) OnBufferedAmountLow(func())           {}

// Open simulates the engine opening the channel.
func (d *DataChannel) Open() {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateOpen
	cb := d.onOpen
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Deliver simulates an inbound text message.
func (d *DataChannel) Deliver(text string) {
	d.mu.Lock()
	cb := d.onMessage
	d.mu.Unlock()
	if cb != nil {
		cb(webrtc.DataChannelMessage{IsString: true, Data: []byte(text)})
	}
}

// Sent returns the messages written so far.
func (d *DataChannel) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}
