// Package config holds the CLI configuration types.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Mode represents what the CLI has been asked to do.
type Mode string

const (
	ModeJoin  Mode = "join"
	ModeServe Mode = "serve"
)

// EnvICEServersJSON may hold a JSON ICE server list used when -iceServers is empty.
const EnvICEServersJSON = "AYAME_ICE_SERVERS_JSON"

// Config stores all parameters gathered from CLI flags and interactive prompts.
type Config struct {
	Mode Mode

	// Join
	SignalingURL string // ws(s)://host/signaling
	RoomID       string
	ClientID     string // empty: random
	SignalingKey string
	Label        string // data channel used for chat
	Audio        bool   // receive audio
	Video        bool   // receive video
	VideoCodec   string
	RelayOnly    bool
	ICEServers   []webrtc.ICEServer

	// Serve
	ListenAddr string

	Debug bool
	Trace bool // debug plus raw signaling frames and engine traces
	Stats bool
}

// Validate checks the fields required by the selected mode.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeJoin:
		if _, err := NormalizeSignalingURL(c.SignalingURL); err != nil {
			return err
		}
		if strings.TrimSpace(c.RoomID) == "" {
			return fmt.Errorf("missing room id")
		}
		if strings.TrimSpace(c.Label) == "" {
			return fmt.Errorf("missing data channel label")
		}
	case ModeServe:
		if strings.TrimSpace(c.ListenAddr) == "" {
			return fmt.Errorf("missing listen address")
		}
	default:
		return fmt.Errorf("invalid mode %q: must be 'join' or 'serve'", c.Mode)
	}
	return nil
}

// LoadICEServers fills ICEServers from the raw flag value, falling back to
// EnvICEServersJSON when the flag is empty.
func (c *Config) LoadICEServers(raw string) error {
	if strings.TrimSpace(raw) == "" {
		raw = os.Getenv(EnvICEServersJSON)
	}
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		return fmt.Errorf("ice servers: %w", err)
	}
	c.ICEServers = servers
	return nil
}

// NormalizeSignalingURL validates a raw WebSocket URL string. A bare host is
// turned into wss://host/signaling.
func NormalizeSignalingURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("missing signaling URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid signaling URL: %s", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid signaling URL scheme: %s", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/signaling"
	}
	return u.String(), nil
}
