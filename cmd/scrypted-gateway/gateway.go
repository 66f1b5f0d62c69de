package main

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v3"
	raven "github.com/getsentry/raven-go"
	log "github.com/sirupsen/logrus"

	"github.com/scryptedgw/scryptedgw/config"
	"github.com/scryptedgw/scryptedgw/entries"
	"github.com/scryptedgw/scryptedgw/internal/httputil"
	"github.com/scryptedgw/scryptedgw/login"
	"github.com/scryptedgw/scryptedgw/metrics"
	"github.com/scryptedgw/scryptedgw/registry"
	"github.com/scryptedgw/scryptedgw/wsproxy"
)

const shutdownTimeout = 10 * time.Second

type gateway struct {
	conf      *config.Config
	logger    *log.Logger
	registry  *registry.Registry
	proxy     *wsproxy.Proxy
	manager   *entries.Manager
	resources *entries.MemoryResourceStore
	handler   http.Handler
}

func newGateway(conf *config.Config, logger *log.Logger) (*gateway, error) {
	reg := registry.New()

	proxy, err := wsproxy.New(wsproxy.Config{
		Registry: reg,
		Logger:   logger,
		Domain:   conf.Domain,
		AssetDir: conf.AssetDir,
		Backend:  conf.Backend.Options(),
	})
	if err != nil {
		return nil, err
	}

	reg.OnChange(func(token string) {
		proxy.ForgetToken(token)
		metrics.RegisteredBackends.Set(float64(reg.Len()))
	})

	loginBackoff := backoff.NewExponentialBackOff()
	loginBackoff.MaxElapsedTime = time.Duration(conf.Login.MaxElapsedTime)
	loginClient := login.New(httputil.NewBackendClient(conf.Backend.Options()), loginBackoff)

	resources := entries.NewMemoryResourceStore(conf.Resources.ReadOnly)
	manager, err := entries.NewManager(entries.Config{
		Registry:  reg,
		Login:     loginClient,
		Resources: resources,
		Domain:    conf.Domain,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	providers := []httputil.ServiceProvider{proxy}
	if conf.Metrics {
		providers = append(providers, metrics.Service{})
	}
	if conf.Resources.Discovery {
		providers = append(providers, &entries.ResourceService{
			Domain:      conf.Domain,
			Store:       resources,
			AccessToken: conf.Resources.AccessToken,
		})
	}

	return &gateway{
		conf:      conf,
		logger:    logger,
		registry:  reg,
		proxy:     proxy,
		manager:   manager,
		resources: resources,
		handler:   httputil.NewRouter(providers...),
	}, nil
}

// run serves until ctx is done, setting up the configured entries in the
// background.
func (gw *gateway) run(ctx context.Context) error {
	server := &http.Server{
		Addr:              gw.conf.Listen,
		Handler:           gw.handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		gw.logger.WithFields(log.Fields{
			"server-addr": server.Addr,
			"tls":         gw.conf.TLS.Enabled(),
		}).Info("starting server")
		var err error
		if gw.conf.TLS.Enabled() {
			err = server.ListenAndServeTLS(gw.conf.TLS.Certificate, gw.conf.TLS.Key)
		} else {
			err = server.ListenAndServe()
		}
		errChan <- err
	}()

	setupCtx, cancelSetup := context.WithCancel(ctx)
	defer cancelSetup()
	go func() {
		if err := httputil.WaitForListener(setupCtx, listenerAddr(server.Addr), 10*time.Second); err != nil {
			gw.logger.Warnf("server not accepting connections yet: %v", err)
		}
		// failures are logged by the manager; entries that fail stay unavailable
		_ = gw.manager.SetupAll(setupCtx, gw.conf.Entries)
		gw.logger.Infof("%d of %d entries set up", gw.registry.Len(), len(gw.conf.Entries))
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	gw.logger.Info("shutting down")
	cancelSetup()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := server.Shutdown(shutdownCtx)

	for _, e := range gw.conf.Entries {
		if _, ok := gw.registry.TokenForEntry(e.ID); ok {
			_ = gw.manager.Unload(shutdownCtx, e.ID)
		}
	}
	return err
}

// listenerAddr returns an address to dial for a listen address with an
// empty host.
func listenerAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}

// reportPanics recovers panics raised while serving a request, reporting
// them to sentry and answering 500.
func reportPanics(h http.Handler) http.Handler {
	return http.HandlerFunc(raven.RecoveryHandler(h.ServeHTTP))
}
