// Package config loads the agent's runtime configuration from CLI
// flags and environment variables, with precedence CLI flags > env
// vars > defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"
)

// Config holds all runtime configuration for the FlowPhone agent.
type Config struct {
	DataDir string // call log database and local state

	// Backend account.
	ServerURL string // FlowPBX server root, e.g. https://pbx.example.com
	Extension string // app login extension
	Password  string // app login password

	// Control API.
	APIAddr  string // listen address for the local control API
	APIToken string // static bearer token; empty disables auth (loopback deployments)

	// SIP endpoint.
	SIPListenAddr string // local SIP listen address
	MediaIP       string // address advertised in SDP (auto-detected if empty)
	MediaPortMin  int    // lowest local RTP port (even)
	MediaPortMax  int    // highest local RTP/RTCP port

	// Caller identity compatibility shim: the server reads the asserted
	// caller from a dedicated header on outbound INVITEs rather than the
	// From user part. Identity defaults to the extension; the header
	// name normally comes from account provisioning.
	Identity       string
	IdentityHeader string

	// Ringing.
	RingTimeoutSec int  // seconds an inbound invite may ring
	ScreenOn       bool // screen-state answer of the headless device

	// HistoryDays is the call log retention in days; 0 keeps forever.
	HistoryDays int

	LogLevel  string // debug, info, warn, error
	LogFormat string // text or json
}

// defaults
const (
	defaultDataDir      = "./data"
	defaultAPIAddr      = "127.0.0.1:8090"
	defaultSIPListen    = "0.0.0.0:5070"
	defaultMediaPortMin = 10000
	defaultMediaPortMax = 10020
	defaultRingTimeout  = 45
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
)

// envPrefix is the prefix for all FlowPhone environment variables.
const envPrefix = "FLOWPHONE_"

// Load resolves the agent configuration. A CLI flag beats its
// FLOWPHONE_ environment variable, which beats the built-in default.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("flowphone", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call log database")
	fs.StringVar(&cfg.ServerURL, "server-url", "", "FlowPBX server URL (e.g. https://pbx.example.com)")
	fs.StringVar(&cfg.Extension, "extension", "", "extension number for app login")
	fs.StringVar(&cfg.Password, "password", "", "extension app password")
	fs.StringVar(&cfg.APIAddr, "api-addr", defaultAPIAddr, "control API listen address")
	fs.StringVar(&cfg.APIToken, "api-token", "", "bearer token protecting the control API (empty disables auth)")
	fs.StringVar(&cfg.SIPListenAddr, "sip-listen", defaultSIPListen, "local SIP listen address")
	fs.StringVar(&cfg.MediaIP, "media-ip", "", "address advertised in SDP (auto-detected if empty)")
	fs.IntVar(&cfg.MediaPortMin, "media-port-min", defaultMediaPortMin, "minimum local UDP port for RTP")
	fs.IntVar(&cfg.MediaPortMax, "media-port-max", defaultMediaPortMax, "maximum local UDP port for RTP/RTCP")
	fs.StringVar(&cfg.Identity, "identity", "", "caller identity asserted on outbound calls (defaults to the extension)")
	fs.StringVar(&cfg.IdentityHeader, "identity-header", "", "header carrying the caller identity (defaults to server provisioning)")
	fs.IntVar(&cfg.RingTimeoutSec, "ring-timeout", defaultRingTimeout, "seconds an incoming call rings before auto-reject")
	fs.BoolVar(&cfg.ScreenOn, "screen-on", false, "report the device screen as always on (kiosk deployments)")
	fs.IntVar(&cfg.HistoryDays, "history-days", 0, "days of call log to keep, 0 keeps forever")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "minimum log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log format: text or json")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("reading flags: %w", err)
	}

	applyEnvOverrides(fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides fills in flags the command line left untouched
// from FLOWPHONE_ environment variables. Each flag maps to one
// variable mechanically: media-port-min reads FLOWPHONE_MEDIA_PORT_MIN.
func applyEnvOverrides(fs *flag.FlagSet) {
	// An env var must not clobber a flag the operator passed, so
	// remember which flags the command line actually set.
	fromCLI := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		fromCLI[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if fromCLI[f.Name] {
			return
		}
		name := envPrefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			return
		}
		// A value the flag cannot parse is treated like an absent
		// variable, leaving the default in place.
		_ = fs.Set(f.Name, val)
	})
}

// validate rejects configurations the agent cannot run with.
func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server-url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("server-url must be an absolute http(s) URL, got %q", c.ServerURL)
	}
	if c.Extension == "" {
		return fmt.Errorf("extension is required")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	if _, _, err := net.SplitHostPort(c.APIAddr); err != nil {
		return fmt.Errorf("api-addr must be host:port, got %q", c.APIAddr)
	}
	if _, _, err := net.SplitHostPort(c.SIPListenAddr); err != nil {
		return fmt.Errorf("sip-listen must be host:port, got %q", c.SIPListenAddr)
	}
	if c.MediaPortMin < 1024 || c.MediaPortMin > 65534 {
		return fmt.Errorf("media-port-min must be between 1024 and 65534, got %d", c.MediaPortMin)
	}
	// RTP ports must be even (RTP uses even ports, RTCP the next odd one).
	if c.MediaPortMin%2 != 0 {
		return fmt.Errorf("media-port-min must be even, got %d", c.MediaPortMin)
	}
	if c.MediaPortMax < c.MediaPortMin+1 || c.MediaPortMax > 65535 {
		return fmt.Errorf("media-port-max must be between media-port-min+1 and 65535, got %d", c.MediaPortMax)
	}
	if c.RingTimeoutSec < 5 || c.RingTimeoutSec > 300 {
		return fmt.Errorf("ring-timeout must be between 5 and 300 seconds, got %d", c.RingTimeoutSec)
	}
	if c.HistoryDays < 0 {
		return fmt.Errorf("history-days must not be negative, got %d", c.HistoryDays)
	}

	c.LogLevel = strings.ToLower(c.LogLevel)
	if _, ok := logLevels[c.LogLevel]; !ok {
		return fmt.Errorf("log-level must be debug, info, warn or error, got %q", c.LogLevel)
	}

	c.LogFormat = strings.ToLower(c.LogFormat)
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log-format must be text or json, got %q", c.LogFormat)
	}

	if c.Identity == "" {
		c.Identity = c.Extension
	}

	return nil
}

// RingTimeout returns the ring timeout as a duration.
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSec) * time.Second
}

// logLevels is the accepted log-level vocabulary.
var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogHandler returns a slog.Handler in the configured format at the
// configured level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// SlogLevel maps the configured level string onto slog's scale.
func (c *Config) SlogLevel() slog.Level {
	if lvl, ok := logLevels[c.LogLevel]; ok {
		return lvl
	}
	return slog.LevelInfo
}
