package ayame

import (
	"time"

	"github.com/pion/logging"

	"github.com/1ureka/ayame-go/internal/peer"
	"github.com/1ureka/ayame-go/internal/signaling"
	"github.com/1ureka/ayame-go/internal/teardown"
	"github.com/1ureka/ayame-go/internal/util"
)

// EngineConfig tunes the WebRTC engine built by a Connection.
type EngineConfig struct {
	// IncludeLoopback gathers loopback candidates, for peers on one host.
	IncludeLoopback bool
	// LoggerFactory receives the engine's logs. Defaults to the pterm logger.
	LoggerFactory logging.LoggerFactory
}

// PeerFactory creates the peer session of each negotiation.
type PeerFactory = peer.Factory

// Dialer opens the control channel to the signaling server.
type Dialer = signaling.Dialer

type settings struct {
	dialer        Dialer
	factory       PeerFactory
	engine        EngineConfig
	closeInterval time.Duration
	closeMaxPolls int
}

func defaultSettings() settings {
	return settings{
		dialer:        signaling.DialChannel,
		closeInterval: teardown.DefaultInterval,
		closeMaxPolls: teardown.DefaultMaxPolls,
	}
}

// Option customizes a Connection.
type Option func(*settings)

// WithDebug enables debug logging of the negotiation. It never lowers a
// more verbose level already set.
func WithDebug(enabled bool) Option {
	return func(*settings) {
		if enabled && !util.DebugEnabled() {
			util.EnableDebug()
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(s *settings) { s.dialer = d }
}

// WithPeerFactory replaces the pion engine, mostly for tests.
func WithPeerFactory(f PeerFactory) Option {
	return func(s *settings) { s.factory = f }
}

// WithCloseTimeout bounds every close wait of the teardown to maxPolls
// checks, interval apart.
func WithCloseTimeout(interval time.Duration, maxPolls int) Option {
	return func(s *settings) {
		s.closeInterval = interval
		s.closeMaxPolls = maxPolls
	}
}

// WithAPIConfig configures the pion engine. It has no effect together with
// WithPeerFactory.
func WithAPIConfig(cfg EngineConfig) Option {
	return func(s *settings) { s.engine = cfg }
}
