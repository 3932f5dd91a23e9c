// Package codec holds the video codec table and the SDP text filter used when
// native codec preferences cannot be applied to a transceiver.
package codec

import (
	"strings"
)

// SupportedVideoCodecs is the set considered by Filter. Every entry other than
// the requested codec is removed from the SDP.
var SupportedVideoCodecs = []string{"VP8", "VP9", "AV1", "H264", "H265"}

// Filter keeps target as the only codec of SupportedVideoCodecs in sdp.
// When sdp carries no rtpmap for target it is returned unchanged. Applying
// Filter twice with the same target gives the same result as applying it once.
func Filter(sdp, target string) string {
	if _, ok := findRtpmap(splitLines(sdp), target); !ok {
		return sdp
	}
	for _, name := range SupportedVideoCodecs {
		if strings.EqualFold(name, target) {
			continue
		}
		sdp = RemoveCodec(sdp, name)
	}
	return sdp
}

// RemoveCodec strips every payload type of the named codec from sdp: its
// rtpmap, rtcp-fb and fmtp lines, the retransmission codec bound to it via
// apt=, and their entries in each m=video format list.
func RemoveCodec(sdp, name string) string {
	for {
		out, ok := removeOnce(sdp, name)
		if !ok {
			return sdp
		}
		sdp = out
	}
}

// removeOnce removes the first payload type of name. ok is false when no
// rtpmap of name is left.
func removeOnce(sdp, name string) (string, bool) {
	lines := splitLines(sdp)

	pt, ok := findRtpmap(lines, name)
	if !ok {
		return sdp, false
	}

	drop := map[string]bool{pt: true}

	// The rtx payload type whose fmtp is exactly "apt=<pt>".
	rtx := ""
	for _, l := range lines {
		p, params, ok := cutAttr(trimEOL(l), "a=fmtp:")
		if ok && params == "apt="+pt {
			rtx = p
			break
		}
	}
	if rtx != "" {
		drop[rtx] = true
	}

	kept := lines[:0:0]
	for _, l := range lines {
		body := trimEOL(l)

		if p, _, ok := cutAttr(body, "a=rtpmap:"); ok && drop[p] {
			continue
		}
		if p, _, ok := cutAttr(body, "a=rtcp-fb:"); ok && p == pt {
			continue
		}
		if p, _, ok := cutAttr(body, "a=fmtp:"); ok && drop[p] {
			continue
		}
		if strings.HasPrefix(body, "m=video ") {
			l = rewriteMediaLine(body, drop) + l[len(body):]
		}
		kept = append(kept, l)
	}

	return strings.Join(kept, ""), true
}

// findRtpmap returns the payload type of the first "a=rtpmap:<pt> <name>/90000" line.
func findRtpmap(lines []string, name string) (string, bool) {
	for _, l := range lines {
		pt, rest, ok := cutAttr(trimEOL(l), "a=rtpmap:")
		if !ok {
			continue
		}
		codec, clock, found := strings.Cut(rest, "/")
		if found && clock == "90000" && strings.EqualFold(codec, name) {
			return pt, true
		}
	}
	return "", false
}

// rewriteMediaLine drops the listed payload types from an m= line. The first
// three fields (media, port, proto) are kept as is.
func rewriteMediaLine(line string, drop map[string]bool) string {
	fields := strings.Split(line, " ")
	if len(fields) <= 3 {
		return line
	}
	out := fields[:3:3]
	for _, f := range fields[3:] {
		if drop[f] {
			continue
		}
		out = append(out, f)
	}
	return strings.Join(out, " ")
}

// cutAttr splits "a=<attr>:<pt> <rest>" into pt and rest.
func cutAttr(line, prefix string) (pt, rest string, ok bool) {
	if !strings.HasPrefix(line, prefix) {
		return "", "", false
	}
	pt, rest, _ = strings.Cut(line[len(prefix):], " ")
	if pt == "" || strings.Trim(pt, "0123456789") != "" {
		return "", "", false
	}
	return pt, rest, true
}

// splitLines splits sdp after each '\n', keeping the line endings so that
// untouched lines are reproduced byte for byte.
func splitLines(sdp string) []string {
	return strings.SplitAfter(sdp, "\n")
}

func trimEOL(line string) string {
	return strings.TrimRight(line, "\r\n")
}
