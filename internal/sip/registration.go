package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/flowpbx/flowphone/internal/backoff"
)

// RegState is the account registration state.
type RegState string

const (
	RegStateUnregistered RegState = "unregistered"
	RegStateRegistering  RegState = "registering"
	RegStateRegistered   RegState = "registered"
	RegStateFailed       RegState = "failed"
)

// RegSnapshot is a point-in-time view of the registration for the
// control API and metrics.
type RegSnapshot struct {
	State        RegState
	LastError    string
	RetryAttempt int
	RegisteredAt time.Time
	ExpiresAt    time.Time
}

// Registration keeps the account registered at the server: an initial
// REGISTER with digest auth, then refreshes at 80% of the granted
// expiry, with backed-off retries on failure.
type Registration struct {
	client  *sipgo.Client
	cfg     *Config
	contact string
	logger  *slog.Logger

	mu    sync.RWMutex
	state RegSnapshot
}

const (
	registerRetryBase = 5 * time.Second
	registerRetryMax  = 5 * time.Minute
)

func newRegistration(client *sipgo.Client, cfg *Config, contact string, logger *slog.Logger) *Registration {
	return &Registration{
		client:  client,
		cfg:     cfg,
		contact: contact,
		logger:  logger.With("subsystem", "registration"),
		state:   RegSnapshot{State: RegStateUnregistered},
	}
}

// snapshot returns the current registration state.
func (r *Registration) snapshot() RegSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// run drives the registration lifecycle until the context is canceled,
// then un-registers best-effort.
func (r *Registration) run(ctx context.Context) {
	expiry := r.cfg.RegisterExpiry
	if expiry <= 0 {
		expiry = defaultRegisterExpiry
	}

	r.logger.Info("starting registration",
		"server", r.cfg.Server,
		"username", r.cfg.Username,
		"transport", r.cfg.transport(),
		"expiry", expiry,
	)
	r.setState(func(s *RegSnapshot) {
		s.State = RegStateRegistering
	})

	retry := backoff.New(registerRetryBase, registerRetryMax)

	for {
		grantedExpiry, err := r.sendRegister(ctx, expiry)
		if err != nil {
			if ctx.Err() != nil {
				r.unregister()
				return
			}

			retryDelay := retry.Next()
			r.logger.Error("registration failed",
				"error", err,
				"attempt", retry.Attempt(),
				"retry_in", retryDelay.String(),
			)
			r.setState(func(s *RegSnapshot) {
				s.State = RegStateFailed
				s.LastError = err.Error()
				s.RetryAttempt = retry.Attempt()
			})

			select {
			case <-ctx.Done():
				r.unregister()
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		// Registered. Refresh timing follows the server-granted expiry.
		retry.Reset()
		now := time.Now()
		r.setState(func(s *RegSnapshot) {
			s.State = RegStateRegistered
			s.LastError = ""
			s.RetryAttempt = 0
			s.RegisteredAt = now
			s.ExpiresAt = now.Add(time.Duration(grantedExpiry) * time.Second)
		})

		if grantedExpiry != expiry {
			r.logger.Info("registered (server adjusted expiry)",
				"requested_expiry", expiry,
				"granted_expiry", grantedExpiry,
			)
		} else {
			r.logger.Info("registered", "expires_in", grantedExpiry)
		}

		// Re-register before expiry. 80% of the granted expiry leaves
		// room for network delays.
		refreshInterval := time.Duration(float64(grantedExpiry)*0.8) * time.Second

		select {
		case <-ctx.Done():
			r.unregister()
			return
		case <-time.After(refreshInterval):
			r.logger.Debug("re-registering")
		}
	}
}

// unregister sends an expiry-0 REGISTER so the server drops our binding
// promptly on shutdown. Best-effort with a short timeout.
func (r *Registration) unregister() {
	if r.snapshot().State != RegStateRegistered {
		return
	}
	unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.sendRegister(unregCtx, 0); err != nil {
		r.logger.Warn("failed to un-register", "error", err)
		return
	}
	r.setState(func(s *RegSnapshot) {
		s.State = RegStateUnregistered
		s.RegisteredAt = time.Time{}
		s.ExpiresAt = time.Time{}
	})
	r.logger.Info("unregistered")
}

func (r *Registration) setState(update func(*RegSnapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	update(&r.state)
}

// sendRegister sends one REGISTER with digest auth handling. On success
// it returns the server-granted expiry, which per RFC 3261 §10.2.4 may
// be shorter than requested.
func (r *Registration) sendRegister(ctx context.Context, expiry int) (int, error) {
	recipientStr := fmt.Sprintf("sip:%s", r.cfg.Server)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(r.cfg.transport()))

	// From and To carry the account's address of record; the registrar
	// identifies the binding by them.
	aor := fmt.Sprintf("<sip:%s@%s>", r.cfg.Username, r.cfg.serverHost())
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", r.contact))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending REGISTER: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("awaiting REGISTER response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader := "WWW-Authenticate"
		authzHeader := "Authorization"
		if res.StatusCode == 407 {
			authHeader = "Proxy-Authenticate"
			authzHeader = "Proxy-Authorization"
		}

		wwwAuth := res.GetHeader(authHeader)
		if wwwAuth == nil {
			return 0, fmt.Errorf("got %d without a %s header", res.StatusCode, authHeader)
		}

		chal, err := digest.ParseChallenge(wwwAuth.Value())
		if err != nil {
			return 0, fmt.Errorf("parsing digest challenge: %w", err)
		}

		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      recipientStr,
			Username: r.cfg.Username,
			Password: r.cfg.Password,
		})
		if err != nil {
			return 0, fmt.Errorf("building digest credentials: %w", err)
		}

		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

		tx2, err := r.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("resending REGISTER with credentials: %w", err)
		}

		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("awaiting authenticated REGISTER response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("registration rejected with %d %s", res.StatusCode, res.Reason)
	}

	// The granted expiry comes from the Contact expires param when
	// present, otherwise from the Expires header.
	grantedExpiry := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	}

	return grantedExpiry, nil
}

// parseContactExpires extracts the expires parameter from a Contact
// header value like "<sip:100@1.2.3.4>;expires=120". Returns 0 when
// absent or malformed.
func parseContactExpires(value string) int {
	lower := strings.ToLower(value)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := value[idx+len(";expires="):]

	// Parameters are delimited by ';' or ',' and may be followed by
	// header junk.
	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}

	v, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return v
}

// parseExpiresHeader parses an Expires header value (a plain integer of
// seconds). Returns 0 when malformed.
func parseExpiresHeader(value string) int {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return v
}
