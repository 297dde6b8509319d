package media

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// AudioPort holds the bound RTP/RTCP socket pair for one call. The
// softphone advertises the RTP port in its session descriptions; the
// device audio path reads and writes the sockets.
type AudioPort struct {
	rng  *PortRange
	rtp  *net.UDPConn
	rtcp *net.UDPConn
	port int
	once sync.Once
}

// Port returns the RTP port number for use in a session description.
func (a *AudioPort) Port() int {
	return a.port
}

// RTPConn returns the bound RTP socket.
func (a *AudioPort) RTPConn() *net.UDPConn {
	return a.rtp
}

// Close releases both sockets and returns the port pair to the range.
// Safe on a nil receiver and safe to call more than once.
func (a *AudioPort) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		if a.rtp != nil {
			a.rtp.Close()
		}
		if a.rtcp != nil {
			a.rtcp.Close()
		}
		if a.rng != nil {
			a.rng.release(a.port)
		}
	})
}

// PortRange reserves RTP/RTCP port pairs for calls from a fixed range.
// RTP takes an even port and RTCP the next odd one (RFC 3550 §11).
type PortRange struct {
	min    int
	max    int
	logger *slog.Logger

	mu    sync.Mutex
	inUse map[int]struct{} // reserved RTP ports (even numbers)
}

// NewPortRange creates a reservation pool over [min, max]. min must be
// even and the range must hold at least one RTP/RTCP pair.
func NewPortRange(min, max int, logger *slog.Logger) (*PortRange, error) {
	if min%2 != 0 {
		return nil, fmt.Errorf("port range minimum must be even, got %d", min)
	}
	if max < min+1 {
		return nil, fmt.Errorf("port range %d-%d holds no rtp/rtcp pair", min, max)
	}

	return &PortRange{
		min:    min,
		max:    max,
		logger: logger.With("subsystem", "media-ports"),
		inUse:  make(map[int]struct{}),
	}, nil
}

// Reserve binds the first free RTP/RTCP pair in the range. A port the
// map says is free may still be held by another process, so bind
// failures move on to the next pair.
func (r *PortRange) Reserve() (*AudioPort, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for port := r.min; port+1 <= r.max; port += 2 {
		if _, taken := r.inUse[port]; taken {
			continue
		}

		rtp, rtcp, err := bindPair(port)
		if err != nil {
			r.logger.Debug("port pair bind failed, trying next",
				"rtp_port", port,
				"error", err,
			)
			continue
		}

		r.inUse[port] = struct{}{}
		r.logger.Debug("port pair reserved",
			"rtp_port", port,
			"rtcp_port", port+1,
			"reserved", len(r.inUse),
		)
		return &AudioPort{rng: r, rtp: rtp, rtcp: rtcp, port: port}, nil
	}

	return nil, fmt.Errorf("no media ports available in %d-%d", r.min, r.max)
}

// Reserved returns the number of port pairs currently reserved.
func (r *PortRange) Reserved() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inUse)
}

func (r *PortRange) release(port int) {
	r.mu.Lock()
	delete(r.inUse, port)
	count := len(r.inUse)
	r.mu.Unlock()

	r.logger.Debug("port pair released",
		"rtp_port", port,
		"reserved", count,
	)
}

// bindPair binds UDP sockets on the given even port (RTP) and its
// companion odd port (RTCP). If either bind fails, both are cleaned up.
func bindPair(rtpPort int) (*net.UDPConn, *net.UDPConn, error) {
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: rtpPort})
	if err != nil {
		return nil, nil, fmt.Errorf("binding rtp port %d: %w", rtpPort, err)
	}

	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: rtpPort + 1})
	if err != nil {
		rtpConn.Close()
		return nil, nil, fmt.Errorf("binding rtcp port %d: %w", rtpPort+1, err)
	}

	return rtpConn, rtcpConn, nil
}
