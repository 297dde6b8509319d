package media

import (
	"errors"
	"strings"
	"testing"
)

func TestParseAudio(t *testing.T) {
	offer := "v=0\r\n" +
		"o=- 1724500000 1724500000 IN IP4 198.51.100.7\r\n" +
		"s=call\r\n" +
		"c=IN IP4 198.51.100.7\r\n" +
		"t=0 0\r\n" +
		"m=audio 49170 RTP/AVP 0 8 101\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n" +
		"a=rtpmap:8 PCMA/8000\r\n" +
		"a=rtpmap:101 telephone-event/8000\r\n" +
		"a=fmtp:101 0-16\r\n" +
		"a=sendrecv\r\n"

	desc, err := ParseAudio([]byte(offer))
	if err != nil {
		t.Fatalf("ParseAudio: %v", err)
	}

	if desc.Address != "198.51.100.7" {
		t.Errorf("Address = %q, want %q", desc.Address, "198.51.100.7")
	}
	if desc.Port != 49170 {
		t.Errorf("Port = %d, want 49170", desc.Port)
	}
	if len(desc.Formats) != 3 || desc.Formats[0] != 0 || desc.Formats[1] != 8 || desc.Formats[2] != 101 {
		t.Errorf("Formats = %v, want [0 8 101]", desc.Formats)
	}
	if desc.ToneFormat != 101 {
		t.Errorf("ToneFormat = %d, want 101", desc.ToneFormat)
	}
	if desc.Direction != "sendrecv" {
		t.Errorf("Direction = %q, want %q", desc.Direction, "sendrecv")
	}
	if !desc.Supports(0) || !desc.Supports(8) {
		t.Errorf("Supports(0)/Supports(8) = %v/%v, want true/true", desc.Supports(0), desc.Supports(8))
	}
	if desc.Supports(18) {
		t.Error("Supports(18) = true, want false")
	}
}

func TestParseAudio_MediaLevelConnection(t *testing.T) {
	offer := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 0\r\n" +
		"c=IN IP4 10.0.0.99\r\n"

	desc, err := ParseAudio([]byte(offer))
	if err != nil {
		t.Fatalf("ParseAudio: %v", err)
	}
	if desc.Address != "10.0.0.99" {
		t.Errorf("Address = %q, want the media-level %q", desc.Address, "10.0.0.99")
	}
}

func TestParseAudio_SkipsOtherMedia(t *testing.T) {
	// Attributes of the video section must not leak into the audio
	// description, regardless of section order.
	offer := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=video 5000 RTP/AVP 96\r\n" +
		"a=sendonly\r\n" +
		"m=audio 4000 RTP/AVP 8\r\n" +
		"a=rtpmap:8 PCMA/8000\r\n" +
		"m=video 5002 RTP/AVP 97\r\n" +
		"a=inactive\r\n"

	desc, err := ParseAudio([]byte(offer))
	if err != nil {
		t.Fatalf("ParseAudio: %v", err)
	}
	if desc.Port != 4000 {
		t.Errorf("Port = %d, want 4000", desc.Port)
	}
	if len(desc.Formats) != 1 || desc.Formats[0] != 8 {
		t.Errorf("Formats = %v, want [8]", desc.Formats)
	}
	if desc.Direction != "sendrecv" {
		t.Errorf("Direction = %q, want sendrecv (video attributes must not apply)", desc.Direction)
	}
}

func TestParseAudio_DynamicToneFormat(t *testing.T) {
	offer := "v=0\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"m=audio 4000 RTP/AVP 0 96\r\n" +
		"a=rtpmap:96 telephone-event/8000\r\n" +
		"a=sendonly\r\n"

	desc, err := ParseAudio([]byte(offer))
	if err != nil {
		t.Fatalf("ParseAudio: %v", err)
	}
	if desc.ToneFormat != 96 {
		t.Errorf("ToneFormat = %d, want 96", desc.ToneFormat)
	}
	if desc.Direction != "sendonly" {
		t.Errorf("Direction = %q, want sendonly", desc.Direction)
	}
}

func TestParseAudio_BareLineFeeds(t *testing.T) {
	offer := "v=0\nc=IN IP4 192.0.2.1\nm=audio 4000/2 RTP/AVP 0\n"

	desc, err := ParseAudio([]byte(offer))
	if err != nil {
		t.Fatalf("ParseAudio: %v", err)
	}
	if desc.Address != "192.0.2.1" {
		t.Errorf("Address = %q, want %q", desc.Address, "192.0.2.1")
	}
	if desc.Port != 4000 {
		t.Errorf("Port = %d, want 4000", desc.Port)
	}
	if desc.ToneFormat != -1 {
		t.Errorf("ToneFormat = %d, want -1", desc.ToneFormat)
	}
}

func TestParseAudio_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"no audio section", "v=0\r\nc=IN IP4 10.0.0.1\r\nm=video 5000 RTP/AVP 96\r\n"},
		{"no connection address", "v=0\r\nm=audio 4000 RTP/AVP 0\r\n"},
		{"bad connection address", "v=0\r\nc=IN IP4 not-an-ip\r\nm=audio 4000 RTP/AVP 0\r\n"},
		{"bad media port", "v=0\r\nc=IN IP4 10.0.0.1\r\nm=audio nope RTP/AVP 0\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseAudio([]byte(tt.body)); err == nil {
				t.Errorf("ParseAudio(%q) succeeded, want error", tt.body)
			}
		})
	}
}

func TestOffer(t *testing.T) {
	body := Offer("192.0.2.10", 10000)

	desc, err := ParseAudio(body)
	if err != nil {
		t.Fatalf("ParseAudio(Offer): %v", err)
	}
	if desc.Address != "192.0.2.10" {
		t.Errorf("Address = %q, want %q", desc.Address, "192.0.2.10")
	}
	if desc.Port != 10000 {
		t.Errorf("Port = %d, want 10000", desc.Port)
	}
	if !desc.Supports(PayloadPCMU) || !desc.Supports(PayloadPCMA) {
		t.Errorf("offer formats = %v, want both PCMU and PCMA", desc.Formats)
	}
	if desc.ToneFormat != PayloadTelephoneEvent {
		t.Errorf("ToneFormat = %d, want %d", desc.ToneFormat, PayloadTelephoneEvent)
	}

	text := string(body)
	if !strings.Contains(text, "a=fmtp:101 0-16\r\n") {
		t.Error("offer is missing the telephone-event fmtp line")
	}
	if !strings.HasPrefix(text, "v=0\r\n") {
		t.Error("offer does not start with v=0")
	}
}

func TestAnswer_NarrowsToOfferedCodecs(t *testing.T) {
	offer := "v=0\r\n" +
		"c=IN IP4 203.0.113.5\r\n" +
		"m=audio 30000 RTP/AVP 8\r\n" +
		"a=rtpmap:8 PCMA/8000\r\n"

	body, err := Answer([]byte(offer), "192.0.2.10", 10002)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	desc, err := ParseAudio(body)
	if err != nil {
		t.Fatalf("ParseAudio(Answer): %v", err)
	}
	if len(desc.Formats) != 1 || desc.Formats[0] != PayloadPCMA {
		t.Errorf("answer formats = %v, want [8]", desc.Formats)
	}
	if desc.ToneFormat != -1 {
		t.Errorf("ToneFormat = %d, want -1 when the offer had none", desc.ToneFormat)
	}
	if desc.Port != 10002 {
		t.Errorf("Port = %d, want 10002", desc.Port)
	}
}

func TestAnswer_EchoesToneFormat(t *testing.T) {
	offer := "v=0\r\n" +
		"c=IN IP4 203.0.113.5\r\n" +
		"m=audio 30000 RTP/AVP 0 8 96\r\n" +
		"a=rtpmap:96 telephone-event/8000\r\n"

	body, err := Answer([]byte(offer), "192.0.2.10", 10002)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	desc, err := ParseAudio(body)
	if err != nil {
		t.Fatalf("ParseAudio(Answer): %v", err)
	}
	if desc.ToneFormat != 96 {
		t.Errorf("ToneFormat = %d, want the offered 96", desc.ToneFormat)
	}
	if len(desc.Formats) != 3 {
		t.Errorf("Formats = %v, want [0 8 96]", desc.Formats)
	}
}

func TestAnswer_NoCommonCodec(t *testing.T) {
	offer := "v=0\r\n" +
		"c=IN IP4 203.0.113.5\r\n" +
		"m=audio 30000 RTP/AVP 18\r\n" +
		"a=rtpmap:18 G729/8000\r\n"

	_, err := Answer([]byte(offer), "192.0.2.10", 10002)
	if !errors.Is(err, ErrNoCommonCodec) {
		t.Fatalf("Answer error = %v, want ErrNoCommonCodec", err)
	}
}

func TestAnswer_BadOffer(t *testing.T) {
	if _, err := Answer([]byte("not sdp at all"), "192.0.2.10", 10002); err == nil {
		t.Fatal("Answer accepted a malformed offer")
	}
}
