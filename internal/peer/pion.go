package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ayame-go/internal/codec"
	"github.com/1ureka/ayame-go/internal/datachannel"
	"github.com/1ureka/ayame-go/internal/util"
)

// APIConfig tunes the engine shared by every session of a Connection.
type APIConfig struct {
	// IncludeLoopback gathers 127.0.0.1 candidates, for tests on one host.
	IncludeLoopback bool
	// LoggerFactory defaults to the pterm bridge.
	LoggerFactory logging.LoggerFactory
}

// NewAPI builds a *webrtc.API with the codec table of package codec, the
// default interceptors (NACK, RTCP reports, TWCC) and pterm logging.
func NewAPI(cfg APIConfig) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := codec.Register(m); err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = cfg.LoggerFactory
	if se.LoggerFactory == nil {
		se.LoggerFactory = util.NewPionLoggerFactory()
	}
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// NewFactory returns a Factory creating pion sessions on api.
func NewFactory(api *webrtc.API) Factory {
	return func(cfg Config) (Session, error) {
		return NewPionSession(api, cfg)
	}
}

// PionSession is a Session backed by *webrtc.PeerConnection. The engine
// callbacks are installed once and forward to the current Handlers.
type PionSession struct {
	pc *webrtc.PeerConnection

	mu sync.Mutex
	h  Handlers
}

// NewPionSession creates a peer connection on api.
func NewPionSession(api *webrtc.API, cfg Config) (*PionSession, error) {
	pcConfig := webrtc.Configuration{ICEServers: cfg.ICEServers}
	if cfg.RelayOnly {
		pcConfig.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	pc, err := api.NewPeerConnection(pcConfig)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &PionSession{pc: pc}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if fn := s.handlers().OnTrack; fn != nil {
			fn(track)
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		fn := s.handlers().OnICECandidate
		if fn == nil {
			return
		}
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if fn := s.handlers().OnICEConnectionStateChange; fn != nil {
			fn(state)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if fn := s.handlers().OnDataChannel; fn != nil {
			fn(dc)
		}
	})
	pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		if fn := s.handlers().OnSignalingStateChange; fn != nil {
			fn(state)
		}
	})

	return s, nil
}

func (s *PionSession) handlers() Handlers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}

func (s *PionSession) SetHandlers(h Handlers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h = h
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

func (s *PionSession) CreateOffer() (webrtc.SessionDescription, error) {
	return s.pc.CreateOffer(nil)
}

func (s *PionSession) CreateAnswer() (webrtc.SessionDescription, error) {
	return s.pc.CreateAnswer(nil)
}

func (s *PionSession) SetLocalDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetLocalDescription(desc)
}

func (s *PionSession) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(desc)
}

func (s *PionSession) LocalDescription() *webrtc.SessionDescription {
	return s.pc.LocalDescription()
}

func (s *PionSession) RemoteDescription() *webrtc.SessionDescription {
	return s.pc.RemoteDescription()
}

func (s *PionSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(c)
}

func (s *PionSession) SignalingState() webrtc.SignalingState {
	return s.pc.SignalingState()
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

func (s *PionSession) AddTrack(track webrtc.TrackLocal, direction webrtc.RTPTransceiverDirection) error {
	if direction != webrtc.RTPTransceiverDirectionSendonly {
		direction = webrtc.RTPTransceiverDirectionSendrecv
	}
	t, err := s.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{Direction: direction})
	if err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind(), err)
	}

	// Drain RTCP so the interceptors see receiver reports.
	sender := t.Sender()
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (s *PionSession) AddReceiver(kind webrtc.RTPCodecType) error {
	_, err := s.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("add %s receiver: %w", kind, err)
	}
	return nil
}

func (s *PionSession) HasReceiver(kind webrtc.RTPCodecType) bool {
	for _, t := range s.pc.GetTransceivers() {
		if t.Kind() != kind {
			continue
		}
		switch t.Direction() {
		case webrtc.RTPTransceiverDirectionRecvonly, webrtc.RTPTransceiverDirectionSendrecv:
			return true
		}
	}
	return false
}

// SetVideoCodecPreferences applies codecs to the first video transceiver.
func (s *PionSession) SetVideoCodecPreferences(codecs []webrtc.RTPCodecParameters) error {
	for _, t := range s.pc.GetTransceivers() {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return t.SetCodecPreferences(codecs)
		}
	}
	return errors.New("no video transceiver")
}

func (s *PionSession) CreateDataChannel(label string, init *webrtc.DataChannelInit) (datachannel.Channel, error) {
	dc, err := s.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (s *PionSession) Close() error {
	return s.pc.Close()
}

func (s *PionSession) Closed() bool {
	return s.pc.ConnectionState() == webrtc.PeerConnectionStateClosed ||
		s.pc.SignalingState() == webrtc.SignalingStateClosed
}
