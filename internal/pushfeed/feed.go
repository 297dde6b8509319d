// Package pushfeed maintains the websocket wake-up channel from the
// account server. The server announces an inbound call here first so
// the device can start alerting while the SIP invite is still in
// flight; the same channel carries the cancel when the caller gives up.
package pushfeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowpbx/flowphone/internal/backoff"
	"github.com/flowpbx/flowphone/internal/telephony"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Handler receives decoded feed events. ring.Receiver satisfies it.
type Handler interface {
	HandleInvite(inv telephony.Invite)
	HandleCancel(sessionID string)
}

// frame is one JSON message on the feed.
type frame struct {
	Type        string `json:"type"`
	CallID      string `json:"call_id,omitempty"`
	CallerID    string `json:"caller_id,omitempty"`
	CallerName  string `json:"caller_name,omitempty"`
	InviteToken string `json:"invite_token,omitempty"`
}

// Config wires a Feed.
type Config struct {
	// URL returns the websocket endpoint. Called before every dial so a
	// re-provisioned account takes effect on reconnect.
	URL func() string

	// Token returns the current bearer token. A missing token delays
	// the dial rather than failing it; login may still be in flight.
	Token func() (string, bool)

	Handler Handler
	Logger  *slog.Logger
}

// Feed is the reconnecting websocket client.
type Feed struct {
	url     func() string
	token   func() (string, bool)
	handler Handler
	logger  *slog.Logger
}

// New creates a feed.
func New(cfg Config) *Feed {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		url:     cfg.URL,
		token:   cfg.Token,
		handler: cfg.Handler,
		logger:  logger.With("component", "pushfeed"),
	}
}

// Run connects and reads until ctx is cancelled, reconnecting with
// exponential backoff on any failure.
func (f *Feed) Run(ctx context.Context) {
	bo := backoff.New(2*time.Second, 2*time.Minute)
	for {
		if ctx.Err() != nil {
			return
		}

		token, ok := f.token()
		if !ok {
			// No token yet; wait for login to finish.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		url := f.url()
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.Next()
			f.logger.Warn("push feed connect failed",
				"url", url,
				"error", err,
				"attempt", bo.Attempt(),
				"retry_in", delay.Round(time.Second).String(),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		f.logger.Info("push feed connected", "url", url)
		start := time.Now()
		f.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		// Only a connection that lived a while earns a backoff reset;
		// resetting on dial success alone would redial a
		// drop-after-accept server in a hot loop.
		if time.Since(start) >= 30*time.Second {
			bo.Reset()
			f.logger.Info("push feed disconnected, reconnecting")
			continue
		}
		delay := bo.Next()
		f.logger.Warn("push feed connection was short-lived",
			"connected_for", time.Since(start).Round(time.Millisecond).String(),
			"retry_in", delay.Round(time.Second).String(),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// serve reads frames from one connection until it breaks or ctx ends.
func (f *Feed) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Pings keep NAT bindings warm and detect a dead server; the pong
	// handler above pushes the read deadline forward.
	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				conn.Close()
				return
			case <-pingDone:
				return
			}
		}
	}()
	defer close(pingDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				f.logger.Warn("push feed read failed", "error", err)
			}
			return
		}
		f.dispatch(data)
	}
}

func (f *Feed) dispatch(data []byte) {
	var fr frame
	if err := json.Unmarshal(data, &fr); err != nil {
		f.logger.Warn("push feed frame not decodable", "error", err)
		return
	}

	switch fr.Type {
	case "call_invite":
		f.logger.Info("call wake-up received", "call_id", fr.CallID, "caller_id", fr.CallerID)
		f.handler.HandleInvite(telephony.Invite{
			SessionID:   fr.CallID,
			CallerToken: fr.InviteToken,
			From:        fr.CallerID,
			DisplayName: fr.CallerName,
			ReceivedAt:  time.Now(),
		})
	case "call_cancel":
		f.logger.Info("call cancel received", "call_id", fr.CallID)
		f.handler.HandleCancel(fr.CallID)
	default:
		f.logger.Debug("ignoring feed frame", "type", fr.Type)
	}
}
