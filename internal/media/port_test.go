package media

import (
	"log/slog"
	"strings"
	"testing"
)

func TestNewPortRange(t *testing.T) {
	tests := []struct {
		name    string
		min     int
		max     int
		wantErr string
	}{
		{"valid single pair", 40000, 40001, ""},
		{"valid wide range", 40000, 40019, ""},
		{"odd minimum", 40001, 40010, "must be even"},
		{"range too small", 40000, 40000, "holds no rtp/rtcp pair"},
		{"max below min", 40010, 40000, "holds no rtp/rtcp pair"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng, err := NewPortRange(tt.min, tt.max, slog.Default())
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("NewPortRange(%d, %d) succeeded, want error", tt.min, tt.max)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewPortRange(%d, %d): %v", tt.min, tt.max, err)
			}
			if rng.Reserved() != 0 {
				t.Errorf("Reserved() = %d, want 0", rng.Reserved())
			}
		})
	}
}

func TestPortRangeReserve(t *testing.T) {
	rng, err := NewPortRange(40100, 40107, slog.Default())
	if err != nil {
		t.Fatalf("NewPortRange: %v", err)
	}

	audio, err := rng.Reserve()
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer audio.Close()

	if audio.Port()%2 != 0 {
		t.Errorf("Port() = %d, want an even port", audio.Port())
	}
	if audio.Port() < 40100 || audio.Port()+1 > 40107 {
		t.Errorf("Port() = %d, want a pair inside 40100-40107", audio.Port())
	}
	if audio.RTPConn() == nil {
		t.Error("RTPConn() = nil, want a bound socket")
	}
	if got := rng.Reserved(); got != 1 {
		t.Errorf("Reserved() = %d, want 1", got)
	}

	audio.Close()
	if got := rng.Reserved(); got != 0 {
		t.Errorf("Reserved() after Close = %d, want 0", got)
	}

	// A second Close must not release twice or panic.
	audio.Close()
	if got := rng.Reserved(); got != 0 {
		t.Errorf("Reserved() after double Close = %d, want 0", got)
	}
}

func TestPortRangeExhaustion(t *testing.T) {
	rng, err := NewPortRange(40200, 40207, slog.Default())
	if err != nil {
		t.Fatalf("NewPortRange: %v", err)
	}

	// Drain the range. Another process may hold some of these ports, so
	// count what we actually got rather than assuming all four pairs.
	var held []*AudioPort
	for {
		audio, err := rng.Reserve()
		if err != nil {
			if !strings.Contains(err.Error(), "no media ports available") {
				t.Fatalf("Reserve error = %q, want exhaustion", err)
			}
			break
		}
		held = append(held, audio)
	}
	defer func() {
		for _, a := range held {
			a.Close()
		}
	}()

	if len(held) == 0 {
		t.Fatal("could not reserve any pair in 40200-40207")
	}
	if len(held) > 4 {
		t.Fatalf("reserved %d pairs from a range holding 4", len(held))
	}
	if got := rng.Reserved(); got != len(held) {
		t.Errorf("Reserved() = %d, want %d", got, len(held))
	}

	seen := make(map[int]bool)
	for _, a := range held {
		if seen[a.Port()] {
			t.Errorf("port %d reserved twice", a.Port())
		}
		seen[a.Port()] = true
	}

	// Releasing one pair makes a reservation possible again.
	held[0].Close()
	audio, err := rng.Reserve()
	if err != nil {
		t.Fatalf("Reserve after release: %v", err)
	}
	held[0] = audio
}

func TestAudioPortCloseNil(t *testing.T) {
	var audio *AudioPort
	audio.Close() // must not panic
}
