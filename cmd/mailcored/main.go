// Command mailcored runs the combined SMTP/POP3/IMAP mail server
// (SPEC_FULL.md §10): one process, one shared store and TLS terminator,
// one supervisor per configured listener.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/infodancer/mailcore/internal/authn"
	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/imap"
	"github.com/infodancer/mailcore/internal/logging"
	"github.com/infodancer/mailcore/internal/mailtls"
	"github.com/infodancer/mailcore/internal/metrics"
	"github.com/infodancer/mailcore/internal/pop3"
	"github.com/infodancer/mailcore/internal/ratelimit"
	"github.com/infodancer/mailcore/internal/relay"
	"github.com/infodancer/mailcore/internal/smtp"
	"github.com/infodancer/mailcore/internal/store/sqlstore"
	"github.com/infodancer/mailcore/internal/supervisor"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Server.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logging.WithContext(ctx, logger)

	term, err := mailtls.New(cfg.Server.TLS)
	if err != nil {
		logger.Error("failed to load TLS certificate", "error", err.Error())
		os.Exit(1)
	}
	var tlsConfig *tls.Config
	if term != nil {
		tlsConfig = term.Config()
		logger.Info("TLS configured", "cert", cfg.Server.TLS.CertFile, "min_version", cfg.Server.TLS.MinVersion)
	}

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Server.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	st, err := sqlstore.Open(cfg.Server.StoreDSN)
	if err != nil {
		logger.Error("failed to open store", "error", err.Error())
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "error", err.Error())
		}
	}()

	verifier := authn.New(st)
	policy := relay.New(cfg.Server.HostedDomains, cfg.Server.ValidateRecipients, st)
	limiter := ratelimit.NewAuthLimiter(cfg.Server.RateLimit.AuthAttemptsPerMinute, cfg.Server.RateLimit.AuthBurst)

	var wg sync.WaitGroup
	listenerCount := len(cfg.SMTP.Listeners) + len(cfg.POP3.Listeners) + len(cfg.IMAP.Listeners)
	runErrs := make(chan error, listenerCount)

	runSupervisor := func(sup *supervisor.Supervisor, spec supervisor.ListenerSpec) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sup.Run(ctx, []supervisor.ListenerSpec{spec}); err != nil {
				runErrs <- err
			}
		}()
	}

	for _, l := range cfg.SMTP.Listeners {
		handler := smtp.Handler(cfg.Server.Hostname, l.Mode, verifier, st, policy, tlsConfig, limiter, collector, cfg.SMTP.Limits)
		sup := supervisor.New("smtp", handler, term, logger, collector, supervisor.Options{
			CommandTimeout: cfg.SMTP.Timeouts.CommandTimeout(),
			IdleTimeout:    cfg.SMTP.Timeouts.IdleTimeout(),
			MaxConnections: cfg.SMTP.Limits.MaxConnections,
			MaxPerIP:       cfg.SMTP.Limits.MaxConnectionsPerIP,
			RejectMessage:  []byte("421 4.3.2 Too many connections, try again later\r\n"),
		})
		runSupervisor(sup, supervisor.ListenerSpec{Address: l.Address, ImplicitTLS: l.Mode == config.ModeSMTPImplicitTLS})
	}

	for _, l := range cfg.POP3.Listeners {
		handler := pop3.Handler(cfg.Server.Hostname, verifier, st, tlsConfig, collector, cfg.POP3.Limits)
		sup := supervisor.New("pop3", handler, term, logger, collector, supervisor.Options{
			CommandTimeout: cfg.POP3.Timeouts.CommandTimeout(),
			IdleTimeout:    cfg.POP3.Timeouts.IdleTimeout(),
			MaxConnections: cfg.POP3.Limits.MaxConnections,
			RejectMessage:  []byte("-ERR too many connections, try again later\r\n"),
		})
		runSupervisor(sup, supervisor.ListenerSpec{Address: l.Address, ImplicitTLS: l.Mode == config.ModePOP3S})
	}

	for _, l := range cfg.IMAP.Listeners {
		handler := imap.Handler(cfg.Server.Hostname, l.Mode, verifier, st, tlsConfig, limiter, collector)
		sup := supervisor.New("imap", handler, term, logger, collector, supervisor.Options{
			CommandTimeout: cfg.IMAP.Timeouts.CommandTimeout(),
			IdleTimeout:    cfg.IMAP.Timeouts.IdleTimeout(),
			MaxConnections: cfg.IMAP.Limits.MaxConnections,
			RejectMessage:  []byte("* BYE too many connections, try again later\r\n"),
		})
		runSupervisor(sup, supervisor.ListenerSpec{Address: l.Address, ImplicitTLS: l.Mode == config.ModeIMAPS})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	var metricsServer *http.Server
	if cfg.Server.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Server.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Server.Metrics.Address, Handler: mux}
		go func() {
			logger.Info("metrics server started", "address", cfg.Server.Metrics.Address, "path", cfg.Server.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err.Error())
			}
		}()
	}

	logger.Info("starting mailcored", "hostname", cfg.Server.Hostname,
		"smtp_listeners", len(cfg.SMTP.Listeners),
		"pop3_listeners", len(cfg.POP3.Listeners),
		"imap_listeners", len(cfg.IMAP.Listeners))

	wg.Wait()
	close(runErrs)

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	for err := range runErrs {
		if err != nil && err != context.Canceled {
			logger.Error("listener error", "error", err.Error())
		}
	}

	logger.Info("mailcored stopped")
}
