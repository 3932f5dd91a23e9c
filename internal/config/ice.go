package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEServer is the JSON shape of an ICE server entry, both on the CLI and in
// the rendezvous server's accept message. "urls" may be a string or a list.
type ICEServer struct {
	URLs       StringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

// StringOrStringSlice unmarshals either "a" or ["a", "b"].
type StringOrStringSlice []string

func (s *StringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// WebRTC converts the entry into a pion ICE server, dropping empty urls.
func (s ICEServer) WebRTC() webrtc.ICEServer {
	urls := make([]string, 0, len(s.URLs))
	for _, u := range s.URLs {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		urls = append(urls, u)
	}
	server := webrtc.ICEServer{
		URLs:     urls,
		Username: strings.TrimSpace(s.Username),
	}
	if strings.TrimSpace(s.Credential) != "" {
		server.Credential = s.Credential
	}
	return server
}

// ToWebRTC converts and validates a list of entries.
func ToWebRTC(servers []ICEServer) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		pcServer := server.WebRTC()
		if err := validateICEServer(pcServer); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, pcServer)
	}
	return out, nil
}

// ParseICEServersJSON parses and validates a JSON ICE server list.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []ICEServer
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}
	return ToWebRTC(servers)
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	requiresTurnCreds := false
	for _, url := range server.URLs {
		if !isAllowedICEScheme(url) {
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			requiresTurnCreds = true
		}
	}

	if requiresTurnCreds {
		if server.Username == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}

	return nil
}

func isAllowedICEScheme(url string) bool {
	switch {
	case strings.HasPrefix(url, "stun:"),
		strings.HasPrefix(url, "stuns:"),
		strings.HasPrefix(url, "turn:"),
		strings.HasPrefix(url, "turns:"):
		return true
	default:
		return false
	}
}
