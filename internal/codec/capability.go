package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ErrUnknownCodec is returned when a codec name matches no capability.
var ErrUnknownCodec = errors.New("invalid video codec type")

var videoRTCPFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

func video(mime, fmtp string, pt webrtc.PayloadType) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     mime,
			ClockRate:    90000,
			SDPFmtpLine:  fmtp,
			RTCPFeedback: videoRTCPFeedback,
		},
		PayloadType: pt,
	}
}

func rtx(apt, pt webrtc.PayloadType) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    "video/rtx",
			ClockRate:   90000,
			SDPFmtpLine: fmt.Sprintf("apt=%d", apt),
		},
		PayloadType: pt,
	}
}

// VideoCapabilities is the video codec table registered on every engine.
// It plays the role of the sender capability list when applying codec
// preferences to a transceiver.
var VideoCapabilities = []webrtc.RTPCodecParameters{
	video("video/VP8", "", 96), rtx(96, 97),
	video("video/VP9", "profile-id=0", 98), rtx(98, 99),
	video("video/H264", "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", 102), rtx(102, 103),
	video("video/H264", "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=640032", 106), rtx(106, 107),
	video("video/AV1", "", 45), rtx(45, 46),
	video("video/H265", "", 116), rtx(116, 117),
}

// AudioCapabilities is the audio codec table registered on every engine.
var AudioCapabilities = []webrtc.RTPCodecParameters{
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    "audio/opus",
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: "audio/PCMU", ClockRate: 8000},
		PayloadType:        0,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: "audio/PCMA", ClockRate: 8000},
		PayloadType:        8,
	},
}

// Register adds the audio and video tables to m.
func Register(m *webrtc.MediaEngine) error {
	for _, c := range AudioCapabilities {
		if err := m.RegisterCodec(c, webrtc.RTPCodecTypeAudio); err != nil {
			return fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}
	for _, c := range VideoCapabilities {
		if err := m.RegisterCodec(c, webrtc.RTPCodecTypeVideo); err != nil {
			return fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}
	return nil
}

// Select returns the capabilities whose mime type is video/<name>.
func Select(name string, caps []webrtc.RTPCodecParameters) ([]webrtc.RTPCodecParameters, error) {
	mime := "video/" + name
	var out []webrtc.RTPCodecParameters
	for _, c := range caps {
		if strings.EqualFold(c.MimeType, mime) {
			out = append(out, c)
		}
	}
	if len(out) < 1 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, name)
	}
	return out, nil
}

// Parse normalizes a user supplied codec name ("vp8", "h.264", "avc", ...)
// into an entry of SupportedVideoCodecs.
func Parse(value string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "vp8":
		return "VP8", nil
	case "vp9":
		return "VP9", nil
	case "av1":
		return "AV1", nil
	case "h264", "h.264", "avc":
		return "H264", nil
	case "h265", "h.265", "hevc":
		return "H265", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCodec, value)
	}
}
