package media

import (
	"errors"
	"testing"
)

func TestParseRelay(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantSignal   string
		wantDuration int
		wantErr      bool
	}{
		{
			name:         "signal and duration",
			body:         "Signal=5\r\nDuration=160\r\n",
			wantSignal:   "5",
			wantDuration: 160,
		},
		{
			name:       "signal only",
			body:       "Signal=#",
			wantSignal: "#",
		},
		{
			name:         "lowercase keys",
			body:         "signal=*\nduration=90\n",
			wantSignal:   "*",
			wantDuration: 90,
		},
		{
			name:         "lowercase letter signal is normalized",
			body:         "Signal=b\r\nDuration=100\r\n",
			wantSignal:   "B",
			wantDuration: 100,
		},
		{
			name:         "spaces around values",
			body:         "Signal = 7 \r\n Duration = 120 \r\n",
			wantSignal:   "7",
			wantDuration: 120,
		},
		{
			name:       "unparseable duration defaults to zero",
			body:       "Signal=1\r\nDuration=soon\r\n",
			wantSignal: "1",
		},
		{
			name:    "invalid signal",
			body:    "Signal=X\r\nDuration=160\r\n",
			wantErr: true,
		},
		{
			name:    "missing signal",
			body:    "Duration=160\r\n",
			wantErr: true,
		},
		{
			name:    "empty body",
			body:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tone, err := ParseRelay([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTone) {
					t.Fatalf("ParseRelay(%q) error = %v, want ErrInvalidTone", tt.body, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRelay(%q): %v", tt.body, err)
			}
			if tone.Signal != tt.wantSignal {
				t.Errorf("Signal = %q, want %q", tone.Signal, tt.wantSignal)
			}
			if tone.Duration != tt.wantDuration {
				t.Errorf("Duration = %d, want %d", tone.Duration, tt.wantDuration)
			}
		})
	}
}

func TestParsePlain(t *testing.T) {
	tests := []struct {
		body    string
		want    string
		wantErr bool
	}{
		{"5", "5", false},
		{" * \r\n", "*", false},
		{"d", "D", false},
		{"12", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		tone, err := ParsePlain([]byte(tt.body))
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParsePlain(%q) succeeded, want error", tt.body)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePlain(%q): %v", tt.body, err)
			continue
		}
		if tone.Signal != tt.want {
			t.Errorf("ParsePlain(%q).Signal = %q, want %q", tt.body, tone.Signal, tt.want)
		}
	}
}

func TestParseInfo(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        string
		wantErr     bool
	}{
		{
			name:        "relay content type",
			contentType: "application/dtmf-relay",
			body:        "Signal=4\r\nDuration=150\r\n",
			want:        "4",
		},
		{
			name:        "relay with charset parameter",
			contentType: "application/dtmf-relay; charset=utf-8",
			body:        "Signal=9\r\n",
			want:        "9",
		},
		{
			name:        "plain content type",
			contentType: "application/dtmf",
			body:        "#",
			want:        "#",
		},
		{
			name:        "mixed case content type",
			contentType: "Application/DTMF-Relay",
			body:        "Signal=2\r\n",
			want:        "2",
		},
		{
			name:        "unsupported content type",
			contentType: "application/sdp",
			body:        "v=0",
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tone, err := ParseInfo(tt.contentType, []byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTone) {
					t.Fatalf("ParseInfo error = %v, want ErrInvalidTone", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseInfo: %v", err)
			}
			if tone.Signal != tt.want {
				t.Errorf("Signal = %q, want %q", tone.Signal, tt.want)
			}
		})
	}
}

func TestFormatRelay(t *testing.T) {
	got := string(FormatRelay('5', 160))
	want := "Signal=5\r\nDuration=160\r\n"
	if got != want {
		t.Errorf("FormatRelay('5', 160) = %q, want %q", got, want)
	}

	got = string(FormatRelay('b', 90))
	want = "Signal=B\r\nDuration=90\r\n"
	if got != want {
		t.Errorf("FormatRelay('b', 90) = %q, want %q", got, want)
	}
}

func TestFormatRelayRoundTrip(t *testing.T) {
	tone, err := ParseRelay(FormatRelay('#', DefaultToneDuration))
	if err != nil {
		t.Fatalf("ParseRelay(FormatRelay): %v", err)
	}
	if tone.Signal != "#" {
		t.Errorf("Signal = %q, want %q", tone.Signal, "#")
	}
	if tone.Duration != DefaultToneDuration {
		t.Errorf("Duration = %d, want %d", tone.Duration, DefaultToneDuration)
	}
}

func TestValidSignal(t *testing.T) {
	for _, r := range "0123456789*#ABCDabcd" {
		if !ValidSignal(r) {
			t.Errorf("ValidSignal(%q) = false, want true", r)
		}
	}
	for _, r := range "eExX !%-" {
		if ValidSignal(r) {
			t.Errorf("ValidSignal(%q) = true, want false", r)
		}
	}
}
