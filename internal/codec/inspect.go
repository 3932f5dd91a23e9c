package codec

import (
	"fmt"
	"strconv"

	"github.com/pion/sdp/v3"
)

// VideoCodecs parses raw and returns the codec names listed on its first
// video m-line, in payload order, e.g. ["VP8", "rtx"].
func VideoCodecs(raw string) ([]string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}

	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "video" {
			continue
		}
		names := make([]string, 0, len(media.MediaName.Formats))
		for _, format := range media.MediaName.Formats {
			pt, err := strconv.ParseUint(format, 10, 8)
			if err != nil {
				continue
			}
			c, err := desc.GetCodecForPayloadType(uint8(pt))
			if err != nil {
				continue
			}
			names = append(names, c.Name)
		}
		return names, nil
	}
	return nil, nil
}
