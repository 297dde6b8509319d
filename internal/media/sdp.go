// Package media owns the wire formats the softphone negotiates for a
// call's audio: SDP offers and answers, DTMF payloads carried in SIP
// INFO bodies, and the local RTP/RTCP port reservations advertised in
// our descriptions. Moving the audio itself is the device audio path's
// job; this package only promises that what we advertise is bound,
// parseable, and mutually supported.
package media

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Static audio payload types per RFC 3551, plus the dynamic payload
// type conventionally used for RFC 4733 telephone-event.
const (
	PayloadPCMU           = 0
	PayloadPCMA           = 8
	PayloadTelephoneEvent = 101
)

// supportedFormats lists the payload types we can negotiate, in
// preference order.
var supportedFormats = []int{PayloadPCMU, PayloadPCMA}

// ErrNoCommonCodec is returned when a remote offer shares no audio
// codec with us. The caller answers 488 in that case.
var ErrNoCommonCodec = errors.New("no common audio codec")

// AudioDescription is the audio half of a parsed session description:
// where the peer receives audio and which payload types it accepts.
type AudioDescription struct {
	Address string
	Port    int
	Formats []int
	// Direction is the negotiated stream direction, "sendrecv" when
	// the description does not say otherwise (RFC 3264 §5.1).
	Direction string
	// ToneFormat is the payload type the peer negotiated for
	// telephone-event, or -1 when it offered none.
	ToneFormat int
}

// Supports reports whether the description lists the payload type.
func (d *AudioDescription) Supports(pt int) bool {
	for _, f := range d.Formats {
		if f == pt {
			return true
		}
	}
	return false
}

// ParseAudio extracts the audio media section from an SDP body. The
// connection address may come from the session level or be overridden
// inside the media section; sections after the first audio one are
// ignored.
func ParseAudio(body []byte) (*AudioDescription, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty sdp body")
	}

	desc := &AudioDescription{Direction: "sendrecv", ToneFormat: -1}
	var sessionAddr string
	inAudio := false
	sawAudio := false

	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if len(line) < 2 || line[1] != '=' {
			continue // tolerate junk
		}
		value := line[2:]

		switch line[0] {
		case 'c':
			addr, err := parseConnection(value)
			if err != nil {
				return nil, fmt.Errorf("bad c= line: %w", err)
			}
			if inAudio {
				desc.Address = addr
			} else if !sawAudio {
				sessionAddr = addr
			}

		case 'm':
			if sawAudio {
				// Only the first audio section matters; stop tracking
				// attributes once another media section starts.
				inAudio = false
				continue
			}
			mediaType, port, formats, err := parseMediaLine(value)
			if err != nil {
				return nil, fmt.Errorf("bad m= line: %w", err)
			}
			if mediaType != "audio" {
				inAudio = false
				continue
			}
			desc.Port = port
			desc.Formats = formats
			inAudio = true
			sawAudio = true

		case 'a':
			if inAudio {
				parseAudioAttribute(desc, value)
			}
		}
	}

	if !sawAudio {
		return nil, errors.New("no audio section in sdp")
	}
	if desc.Address == "" {
		desc.Address = sessionAddr
	}
	if desc.Address == "" {
		return nil, errors.New("no connection address in sdp")
	}
	return desc, nil
}

// Offer builds the session description advertised when placing a call:
// both codecs we support plus telephone-event for out-of-band DTMF.
func Offer(address string, port int) []byte {
	return describe(address, port, supportedFormats, PayloadTelephoneEvent)
}

// Answer negotiates a description against a remote offer. The answer
// keeps our codec preference order, narrowed to what the offer also
// lists, and echoes telephone-event under the offer's payload type.
func Answer(offer []byte, address string, port int) ([]byte, error) {
	remote, err := ParseAudio(offer)
	if err != nil {
		return nil, fmt.Errorf("parsing offer: %w", err)
	}

	var formats []int
	for _, pt := range supportedFormats {
		if remote.Supports(pt) {
			formats = append(formats, pt)
		}
	}
	if len(formats) == 0 {
		return nil, ErrNoCommonCodec
	}

	return describe(address, port, formats, remote.ToneFormat), nil
}

// describe serializes a one-stream audio description. tonePT < 0 omits
// the telephone-event line.
func describe(address string, port int, formats []int, tonePT int) []byte {
	var b strings.Builder
	now := time.Now().Unix()

	all := make([]string, 0, len(formats)+1)
	for _, pt := range formats {
		all = append(all, strconv.Itoa(pt))
	}
	if tonePT >= 0 {
		all = append(all, strconv.Itoa(tonePT))
	}

	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=- %d %d IN IP4 %s\r\n", now, now, address)
	fmt.Fprintf(&b, "s=FlowPhone\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", address)
	fmt.Fprintf(&b, "t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio %d RTP/AVP %s\r\n", port, strings.Join(all, " "))
	for _, pt := range formats {
		switch pt {
		case PayloadPCMU:
			fmt.Fprintf(&b, "a=rtpmap:%d PCMU/8000\r\n", pt)
		case PayloadPCMA:
			fmt.Fprintf(&b, "a=rtpmap:%d PCMA/8000\r\n", pt)
		}
	}
	if tonePT >= 0 {
		fmt.Fprintf(&b, "a=rtpmap:%d telephone-event/8000\r\n", tonePT)
		fmt.Fprintf(&b, "a=fmtp:%d 0-16\r\n", tonePT)
	}
	fmt.Fprintf(&b, "a=sendrecv\r\n")

	return []byte(b.String())
}

// parseConnection decodes a c= value, <nettype> <addrtype> <address>,
// and keeps only the address.
func parseConnection(value string) (string, error) {
	f := strings.Fields(value)
	if len(f) < 3 {
		return "", fmt.Errorf("want 3 fields, have %d", len(f))
	}

	// A multicast address carries a /TTL suffix ("224.2.1.1/127").
	addr, _, _ := strings.Cut(f[2], "/")
	if net.ParseIP(addr) == nil {
		return "", fmt.Errorf("bad address %q", addr)
	}
	return addr, nil
}

// parseMediaLine decodes an m= value:
// <media> <port>[/<number of ports>] <proto> <fmt> ...
func parseMediaLine(value string) (string, int, []int, error) {
	f := strings.Fields(value)
	if len(f) < 4 {
		return "", 0, nil, fmt.Errorf("want at least 4 fields, have %d", len(f))
	}

	// The port may carry a stream count suffix ("49170/2").
	portStr, _, _ := strings.Cut(f[1], "/")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, nil, fmt.Errorf("bad port %q", f[1])
	}

	formats := make([]int, 0, len(f)-3)
	for _, raw := range f[3:] {
		pt, err := strconv.Atoi(raw)
		if err != nil {
			return "", 0, nil, fmt.Errorf("bad payload type %q", raw)
		}
		formats = append(formats, pt)
	}

	return f[0], port, formats, nil
}

// parseAudioAttribute processes a single attribute inside the audio
// media section.
func parseAudioAttribute(desc *AudioDescription, attr string) {
	if rest, ok := strings.CutPrefix(attr, "rtpmap:"); ok {
		if pt, name, parsed := parseRtpmap(rest); parsed && strings.EqualFold(name, "telephone-event") {
			desc.ToneFormat = pt
		}
		return
	}

	switch attr {
	case "sendrecv", "sendonly", "recvonly", "inactive":
		desc.Direction = attr
	}
}

// parseRtpmap decodes an a=rtpmap value:
// <payload type> <encoding name>/<clock rate>[/<channels>]
func parseRtpmap(value string) (int, string, bool) {
	ptStr, enc, ok := strings.Cut(value, " ")
	if !ok {
		return 0, "", false
	}
	pt, err := strconv.Atoi(ptStr)
	if err != nil {
		return 0, "", false
	}
	name, _, ok := strings.Cut(enc, "/")
	if !ok {
		return 0, "", false
	}
	return pt, name, true
}
