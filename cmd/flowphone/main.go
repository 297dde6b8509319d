package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/flowphone/internal/api"
	"github.com/flowpbx/flowphone/internal/api/middleware"
	"github.com/flowpbx/flowphone/internal/audio"
	"github.com/flowpbx/flowphone/internal/backend"
	"github.com/flowpbx/flowphone/internal/backoff"
	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/config"
	"github.com/flowpbx/flowphone/internal/history"
	"github.com/flowpbx/flowphone/internal/metrics"
	"github.com/flowpbx/flowphone/internal/platform"
	"github.com/flowpbx/flowphone/internal/presenter"
	"github.com/flowpbx/flowphone/internal/pushfeed"
	"github.com/flowpbx/flowphone/internal/ring"
	sipdriver "github.com/flowpbx/flowphone/internal/sip"
	"github.com/flowpbx/flowphone/internal/telephony"
)

// provisionAttempts bounds how often startup retries the account fetch
// before giving up.
const provisionAttempts = 5

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Logging is configured before anything can fail.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting flowphone",
		"api_addr", cfg.APIAddr,
		"sip_listen", cfg.SIPListenAddr,
		"data_dir", cfg.DataDir,
	)

	// Open the call log database and run migrations.
	store, err := history.Open(cfg.DataDir, logger)
	if err != nil {
		slog.Error("failed to open call log", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// One context governs every background loop; shutdown cancels it.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Account server client. The refresh loop keeps the app token fresh
	// for the push feed and the REST calls.
	client, err := backend.New(backend.Config{
		BaseURL:   cfg.ServerURL,
		Extension: cfg.Extension,
		Password:  cfg.Password,
		Logger:    logger,
	})
	if err != nil {
		slog.Error("failed to create backend client", "error", err)
		os.Exit(1)
	}
	go client.RunTokenRefresh(appCtx)

	acct, err := fetchAccount(appCtx, client, logger)
	if err != nil {
		slog.Error("failed to fetch account provisioning", "error", err)
		os.Exit(1)
	}
	slog.Info("account provisioned",
		"extension", acct.Extension,
		"sip_server", acct.SIP.Server,
		"identity_header", acct.IdentityHeader,
	)

	// Announce this device so the server wakes it for inbound calls.
	// Best effort: the SIP invite still arrives without it, the ring
	// just starts a little later.
	if err := client.RegisterPushToken(appCtx, uuid.NewString()); err != nil {
		slog.Warn("push token registration failed", "error", err)
	}

	dev := platform.NewHeadless(logger, cfg.ScreenOn).Device()
	router := audio.NewRouter(dev.Audio, logger)

	// The driver needs its event sink at construction, before the
	// engine and the receiver exist. Both are bound below, before Start
	// brings the stack up.
	events := &driverEvents{}

	identityHeader := cfg.IdentityHeader
	if identityHeader == "" {
		identityHeader = acct.IdentityHeader
	}
	drv, err := sipdriver.NewDriver(sipdriver.Config{
		Username:       acct.SIP.Username,
		Password:       acct.SIP.Password,
		Server:         acct.SIP.Server,
		Transport:      acct.SIP.Transport,
		DisplayName:    acct.DisplayName,
		Identity:       cfg.Identity,
		IdentityHeader: identityHeader,
		ListenAddr:     cfg.SIPListenAddr,
		MediaIP:        cfg.MediaIP,
		MediaPortMin:   cfg.MediaPortMin,
		MediaPortMax:   cfg.MediaPortMax,
		Logger:         logger,
	}, events)
	if err != nil {
		slog.Error("failed to create sip driver", "error", err)
		os.Exit(1)
	}

	session := call.New(call.Config{
		Driver:   drv,
		Audio:    router,
		Recorder: store,
		Logger:   logger,
	})

	receiver := ring.NewReceiver(ring.ReceiverConfig{
		Session:     session,
		Driver:      drv,
		Slot:        session.Invites(),
		Device:      dev,
		Logger:      logger,
		Recorder:    store,
		RingTimeout: cfg.RingTimeout(),
	})
	events.bind(session, receiver)

	if err := drv.Start(appCtx); err != nil {
		slog.Error("failed to start sip driver", "error", err)
		os.Exit(1)
	}

	decliner := ring.NewDeclineHandler(session.Invites(), drv, session, dev.Alerts, receiver, logger)

	pres := presenter.New(session, dev.Alerts, logger)
	pres.Start()

	// Push feed: the server's wake-up channel for inbound calls.
	feed := pushfeed.New(pushfeed.Config{
		URL:     func() string { return client.EventsURL(acct.EventsPath) },
		Token:   client.Token,
		Handler: receiver,
		Logger:  logger,
	})
	go feed.Run(appCtx)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(session, receiver, store, drv, time.Now()),
	)

	var auth *middleware.TokenAuth
	if cfg.APIToken != "" {
		auth, err = middleware.NewTokenAuth(cfg.APIToken)
		if err != nil {
			slog.Error("failed to prepare api token auth", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("control api authentication disabled, keep the listener on loopback")
	}

	apiServer := api.NewServer(api.Config{
		Engine:       session,
		Ring:         receiver,
		Decliner:     decliner,
		History:      store,
		Registration: drv,
		Metrics:      promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Auth:         auth,
	})

	srv := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      apiServer,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.HistoryDays > 0 {
		startPurgeTicker(appCtx, store, cfg.HistoryDays)
	}

	// The control API serves in the background; errCh carries a
	// listener failure into the select below.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("control api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Block until a signal arrives or the listener dies.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("control api error", "error", err)
	}

	// Bounded teardown: whatever has not stopped in 15s gets cut off.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	pres.Stop()
	appCancel() // stops the push feed, token refresh and retention loop
	drv.Stop()
	session.Close()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("control api shutdown error", "error", err)
	}
	apiServer.Close()

	slog.Info("flowphone stopped")
}

// fetchAccount retries provisioning with backoff so a brief network or
// server outage at boot does not kill the agent.
func fetchAccount(ctx context.Context, client *backend.Client, logger *slog.Logger) (*backend.Account, error) {
	bo := backoff.New(2*time.Second, 30*time.Second)
	for attempt := 1; ; attempt++ {
		acct, err := client.Account(ctx)
		if err == nil {
			return acct, nil
		}
		if ctx.Err() != nil || attempt >= provisionAttempts {
			return nil, err
		}
		delay := bo.Next()
		logger.Warn("account fetch failed",
			"error", err,
			"attempt", attempt,
			"retry_in", delay.Round(time.Second).String(),
		)
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(delay):
		}
	}
}

// startPurgeTicker runs a background goroutine that prunes call log
// rows older than the retention window, once at startup and then daily.
// The goroutine stops when the provided context is cancelled.
func startPurgeTicker(ctx context.Context, store *history.Store, days int) {
	purge := func() {
		purgeCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := store.Purge(purgeCtx, days); err != nil {
			slog.Error("call log retention purge failed", "error", err)
		}
	}

	go func() {
		purge()
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				purge()
			}
		}
	}()
}

// driverEvents fans the SIP driver's callbacks out to the call engine
// and the ring receiver. The driver is constructed before either
// exists, so both are bound late; events only flow once the driver is
// started, the nil guards cover a misordered start.
type driverEvents struct {
	mu      sync.Mutex
	session *call.Session
	ring    *ring.Receiver
}

var _ telephony.Events = (*driverEvents)(nil)

func (e *driverEvents) bind(session *call.Session, receiver *ring.Receiver) {
	e.mu.Lock()
	e.session = session
	e.ring = receiver
	e.mu.Unlock()
}

func (e *driverEvents) sinks() (*call.Session, *ring.Receiver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, e.ring
}

func (e *driverEvents) CallRinging(sessionID string) {
	if s, _ := e.sinks(); s != nil {
		s.CallRinging(sessionID)
	}
}

func (e *driverEvents) CallConnected(sessionID string) {
	if s, _ := e.sinks(); s != nil {
		s.CallConnected(sessionID)
	}
}

func (e *driverEvents) CallReconnecting(sessionID string, err error) {
	if s, _ := e.sinks(); s != nil {
		s.CallReconnecting(sessionID, err)
	}
}

func (e *driverEvents) CallDisconnected(sessionID string, err error) {
	if s, _ := e.sinks(); s != nil {
		s.CallDisconnected(sessionID, err)
	}
}

func (e *driverEvents) CallQuality(sessionID string, warning string) {
	if s, _ := e.sinks(); s != nil {
		s.CallQuality(sessionID, warning)
	}
}

func (e *driverEvents) InviteReceived(inv telephony.Invite) {
	if _, r := e.sinks(); r != nil {
		r.HandleInvite(inv)
	}
}

func (e *driverEvents) InviteCanceled(sessionID string) {
	if _, r := e.sinks(); r != nil {
		r.HandleCancel(sessionID)
	}
}
