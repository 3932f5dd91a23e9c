package peer

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ayame-go/internal/codec"
	"github.com/1ureka/ayame-go/internal/datachannel"
	"github.com/1ureka/ayame-go/internal/util"
)

// Events are the coordinator's outputs. They run on the session queue and
// only for the current handle.
type Events struct {
	OnTrack        func(track RemoteTrack)
	OnTrackRemoved func(track RemoteTrack)
	OnICECandidate func(c *webrtc.ICECandidateInit)
	// OnConnectionState fires on changes only.
	OnConnectionState func(state webrtc.ICEConnectionState)
	// WireDataChannel runs on the engine's goroutine, before the remote
	// channel can deliver anything; OnDataChannel later receives its result.
	WireDataChannel  func(ch datachannel.Channel) *datachannel.Entry
	OnDataChannel    func(e *datachannel.Entry)
	OnSignalingState func(state webrtc.SignalingState)
}

// Coordinator owns the current Session of one signaling session. It is not
// safe for concurrent use: every method runs on the session queue, which is
// also where Post delivers engine events.
type Coordinator struct {
	factory Factory
	post    func(func())
	events  Events

	current Session
	epoch   uint64
	created bool
	lastICE webrtc.ICEConnectionState
	tracks  []RemoteTrack

	removeCodec bool
}

// NewCoordinator creates a coordinator. post must not block.
func NewCoordinator(factory Factory, post func(func()), events Events) *Coordinator {
	return &Coordinator{
		factory: factory,
		post:    post,
		events:  events,
	}
}

// Current returns the current handle, or nil.
func (c *Coordinator) Current() Session {
	return c.current
}

// RemoveCodec reports whether native codec preferences could not be applied,
// so offers must be filtered as SDP text.
func (c *Coordinator) RemoveCodec() bool {
	return c.removeCodec
}

// Create builds a new Session, attaches media according to audio and video,
// and installs it as current. A previous handle is detached and closed in
// the background. first is true for the first handle of the coordinator.
func (c *Coordinator) Create(cfg Config, media Media, audio, video MediaOptions) (first bool, err error) {
	s, err := c.factory(cfg)
	if err != nil {
		return false, fmt.Errorf("create peer session: %w", err)
	}
	if err := c.attach(s, media, audio, video); err != nil {
		s.Close()
		return false, err
	}

	if old := c.detach(); old != nil {
		go func() {
			if err := old.Close(); err != nil {
				util.LogDebug("close replaced peer session: %v", err)
			}
		}()
	}

	c.current = s
	c.lastICE = webrtc.ICEConnectionStateNew
	s.SetHandlers(c.handlers(c.epoch))

	first = !c.created
	c.created = true
	return first, nil
}

// Release detaches the current handle and returns it without closing it.
// It returns nil when there is none.
func (c *Coordinator) Release() Session {
	return c.detach()
}

// detach silences the current handle, reports its remote tracks as removed
// and invalidates every event already queued for it.
func (c *Coordinator) detach() Session {
	old := c.current
	c.epoch++
	if old == nil {
		return nil
	}
	old.SetHandlers(Handlers{})
	c.current = nil

	tracks := c.tracks
	c.tracks = nil
	for _, t := range tracks {
		if c.events.OnTrackRemoved != nil {
			c.events.OnTrackRemoved(t)
		}
	}
	return old
}

// attach applies the media policy: a local track is sent unless the medium
// is recvonly; otherwise an enabled medium gets a recvonly transceiver.
func (c *Coordinator) attach(s Session, media Media, audio, video MediaOptions) error {
	switch {
	case media.Audio != nil && audio.Direction != webrtc.RTPTransceiverDirectionRecvonly:
		if err := s.AddTrack(media.Audio, audio.Direction); err != nil {
			return err
		}
	case audio.Enabled:
		if err := s.AddReceiver(webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}
	}

	switch {
	case media.Video != nil && video.Direction != webrtc.RTPTransceiverDirectionRecvonly:
		if err := s.AddTrack(media.Video, video.Direction); err != nil {
			return err
		}
	case video.Enabled:
		if err := s.AddReceiver(webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	default:
		return nil
	}

	if !video.Enabled || video.Codec == "" {
		return nil
	}
	codecs, err := codec.Select(video.Codec, codec.VideoCapabilities)
	if err != nil {
		return err
	}
	if err := s.SetVideoCodecPreferences(codecs); err != nil {
		util.LogDebug("codec preferences not applied (%v), falling back to sdp filtering", err)
		c.removeCodec = true
	}
	return nil
}

// handlers binds engine callbacks to epoch; events of an older epoch are dropped.
func (c *Coordinator) handlers(epoch uint64) Handlers {
	run := func(fn func()) {
		c.post(func() {
			if c.epoch != epoch {
				return
			}
			fn()
		})
	}

	return Handlers{
		OnTrack: func(track RemoteTrack) {
			run(func() {
				c.tracks = append(c.tracks, track)
				if c.events.OnTrack != nil {
					c.events.OnTrack(track)
				}
			})
		},
		OnICECandidate: func(cand *webrtc.ICECandidateInit) {
			run(func() {
				if c.events.OnICECandidate != nil {
					c.events.OnICECandidate(cand)
				}
			})
		},
		OnICEConnectionStateChange: func(state webrtc.ICEConnectionState) {
			run(func() {
				if state == c.lastICE {
					return
				}
				c.lastICE = state
				if c.events.OnConnectionState != nil {
					c.events.OnConnectionState(state)
				}
			})
		},
		OnDataChannel: func(ch datachannel.Channel) {
			var e *datachannel.Entry
			if c.events.WireDataChannel != nil {
				e = c.events.WireDataChannel(ch)
			}
			if e == nil {
				return
			}
			c.post(func() {
				if c.epoch != epoch {
					e.Channel.Close()
					return
				}
				if c.events.OnDataChannel != nil {
					c.events.OnDataChannel(e)
				}
			})
		},
		OnSignalingStateChange: func(state webrtc.SignalingState) {
			run(func() {
				if c.events.OnSignalingState != nil {
					c.events.OnSignalingState(state)
				}
			})
		},
	}
}
