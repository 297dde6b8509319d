// Package sip implements the telephony driver on the sipgo stack: a
// registered SIP user agent that keeps its registration fresh, places
// outbound INVITEs, answers inbound INVITEs the server forks at it, and
// reports call progress to the engine's event sink.
//
// The driver owns signaling only. It reserves a local media port and
// negotiates SDP so the peer knows where to send audio, but moving RTP
// is the device audio path's concern.
package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/flowphone/internal/media"
	"github.com/flowpbx/flowphone/internal/telephony"
)

// DefaultIdentityHeader carries the configured caller identity on
// outbound INVITEs. The server reads the caller from this header rather
// than the From user part.
const DefaultIdentityHeader = "X-Flow-Identity"

const defaultRegisterExpiry = 300

// Default local port range for RTP/RTCP pairs.
const (
	defaultMediaPortMin = 10000
	defaultMediaPortMax = 10020
)

// Config holds the SIP account and local endpoint settings.
type Config struct {
	// Username and Password authenticate REGISTER and INVITE requests
	// at the server.
	Username string
	Password string

	// Server is the registrar/proxy address as host:port.
	Server string

	// Transport is "udp" or "tcp".
	Transport string

	// DisplayName decorates the From header on outbound calls.
	DisplayName string

	// Identity is the caller identity asserted on outbound INVITEs.
	// Empty leaves the identity header off.
	Identity string

	// IdentityHeader overrides DefaultIdentityHeader.
	IdentityHeader string

	// ListenAddr is the local SIP listen address (host:port).
	ListenAddr string

	// MediaIP is the address advertised in SDP. Discovered from the
	// route to the server when empty.
	MediaIP string

	// MediaPortMin and MediaPortMax bound the local port range for
	// RTP/RTCP pairs. MediaPortMin must be even.
	MediaPortMin int
	MediaPortMax int

	// RegisterExpiry is the expiry in seconds requested on REGISTER.
	RegisterExpiry int

	Logger *slog.Logger
}

func (cfg *Config) identityHeader() string {
	if cfg.IdentityHeader != "" {
		return cfg.IdentityHeader
	}
	return DefaultIdentityHeader
}

func (cfg *Config) serverHost() string {
	host, _, err := net.SplitHostPort(cfg.Server)
	if err != nil {
		return cfg.Server
	}
	return host
}

func (cfg *Config) transport() string {
	if cfg.Transport == "" {
		return "udp"
	}
	return strings.ToLower(cfg.Transport)
}

func (cfg *Config) mediaPorts() (min, max int) {
	if cfg.MediaPortMin == 0 && cfg.MediaPortMax == 0 {
		return defaultMediaPortMin, defaultMediaPortMax
	}
	return cfg.MediaPortMin, cfg.MediaPortMax
}

func (cfg *Config) validate() error {
	if cfg.Username == "" {
		return fmt.Errorf("sip username is required")
	}
	if cfg.Server == "" {
		return fmt.Errorf("sip server is required")
	}
	switch cfg.transport() {
	case "udp", "tcp":
	default:
		return fmt.Errorf("unsupported sip transport %q", cfg.Transport)
	}
	return nil
}

// Driver is the production telephony.Driver. One Driver serves one
// registered account.
type Driver struct {
	cfg    Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	events telephony.Events
	reg    *Registration
	held   *holdWindow
	calls  *callTable
	ports  *media.PortRange
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mediaIPOnce sync.Once
	mediaIPAddr string
}

var _ telephony.Driver = (*Driver)(nil)

// NewDriver creates the SIP stack for the given account. Call Start to
// bring up the listener and the registration loop.
func NewDriver(cfg Config, events telephony.Events) (*Driver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("FlowPhone"),
		sipgo.WithUserAgentHostname(cfg.serverHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	portMin, portMax := cfg.mediaPorts()
	ports, err := media.NewPortRange(portMin, portMax, logger)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating media port range: %w", err)
	}

	d := &Driver{
		cfg:    cfg,
		ua:     ua,
		srv:    srv,
		client: client,
		events: events,
		held:   newHoldWindow(logger),
		calls:  newCallTable(),
		ports:  ports,
		logger: logger,
	}
	d.reg = newRegistration(client, &d.cfg, d.contactValue(), logger)

	d.registerHandlers()
	return d, nil
}

func (d *Driver) registerHandlers() {
	d.srv.OnInvite(d.handleInvite)
	d.srv.OnCancel(d.handleCancel)
	d.srv.OnBye(d.handleBye)
	d.srv.OnAck(d.handleACK)
	d.srv.OnOptions(d.handleOptions)
	d.srv.OnInfo(d.handleInfo)
}

// Start brings up the SIP listener, the registration loop, and the
// invite hold-window janitor. It returns once the listener goroutines
// are launched; fatal listener errors are logged.
func (d *Driver) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	addr := d.cfg.ListenAddr
	if addr == "" {
		addr = "0.0.0.0:5060"
	}
	transport := d.cfg.transport()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.logger.Info("sip listener starting", "transport", transport, "addr", addr)
		if err := d.srv.ListenAndServe(ctx, transport, addr); err != nil {
			d.logger.Error("sip listener stopped", "error", err)
		}
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.reg.run(ctx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runHoldJanitor(ctx)
	}()

	return nil
}

// Stop shuts down the listener and registration loop and releases every
// in-flight call's resources. Closing a call cancels its dial context,
// which lets response collectors finish before the wait returns.
func (d *Driver) Stop() {
	d.logger.Info("stopping sip driver")
	if d.cancel != nil {
		d.cancel()
	}
	for _, c := range d.calls.drain() {
		c.close()
	}
	d.wg.Wait()
	d.srv.Close()
	d.ua.Close()
	d.logger.Info("sip driver stopped")
}

// RegistrationState reports the registration loop's current snapshot
// for the control API and metrics.
func (d *Driver) RegistrationState() RegSnapshot {
	return d.reg.snapshot()
}

// runHoldJanitor expires invites nobody claimed. The ring supervisor
// resolves invites well inside the TTL; expiry here only fires when the
// engine is gone or wedged.
func (d *Driver) runHoldJanitor(ctx context.Context) {
	ticker := time.NewTicker(holdSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, held := range d.held.expire(time.Now()) {
				d.logger.Warn("unclaimed invite expired", "call_id", held.sessionID)
				d.respondHeld(held, 480, "Temporarily Unavailable")
				d.events.InviteCanceled(held.sessionID)
			}
		}
	}
}

func (d *Driver) respondHeld(held *heldInvite, code int, reason string) {
	res := sip.NewResponseFromRequest(held.req, code, reason, nil)
	if err := held.tx.Respond(res); err != nil {
		d.logger.Error("failed to respond to held invite",
			"call_id", held.sessionID,
			"code", code,
			"error", err,
		)
	}
}

// mediaIP resolves the address advertised in SDP: the configured one,
// or the local address of the route toward the SIP server.
func (d *Driver) mediaIP() string {
	d.mediaIPOnce.Do(func() {
		if d.cfg.MediaIP != "" {
			d.mediaIPAddr = d.cfg.MediaIP
			return
		}
		conn, err := net.Dial("udp", d.cfg.Server)
		if err != nil {
			d.logger.Warn("media address discovery failed", "error", err)
			d.mediaIPAddr = "127.0.0.1"
			return
		}
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			d.mediaIPAddr = addr.IP.String()
			return
		}
		d.mediaIPAddr = "127.0.0.1"
	})
	return d.mediaIPAddr
}

// contactValue is the Contact header advertised on REGISTER and 200 OK
// answers so the server can reach this endpoint in-dialog.
func (d *Driver) contactValue() string {
	return fmt.Sprintf("<sip:%s@%s>", d.cfg.Username, d.ua.Hostname())
}

// handleACK confirms an answered inbound call. Per RFC 3261 §13.2.2.4
// the ACK for a 2xx arrives outside the INVITE transaction; matching it
// by Call-ID completes the dialog and marks media established.
func (d *Driver) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	c := d.calls.get(callID)
	if c == nil {
		d.logger.Debug("ack for unknown call", "call_id", callID)
		return
	}
	if c.confirmAnswer() {
		d.logger.Info("inbound call confirmed", "call_id", callID)
		d.events.CallConnected(callID)
	}
}

// handleOptions answers keepalive pings from the server.
func (d *Driver) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		d.logger.Error("failed to respond to options", "error", err)
	}
}

// handleInfo acknowledges SIP INFO requests. DTMF bodies are parsed
// for the log; everything else is accepted and ignored.
func (d *Driver) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	if ct := req.ContentType(); ct != nil {
		if tone, err := media.ParseInfo(ct.Value(), req.Body()); err == nil {
			d.logger.Info("dtmf received",
				"call_id", callID,
				"signal", tone.Signal,
				"duration_ms", tone.Duration,
			)
		}
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		d.logger.Error("failed to respond to info", "call_id", callID, "error", err)
	}
}
