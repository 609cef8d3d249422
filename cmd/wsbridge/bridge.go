package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/taskcluster/wsbridge/adminapi"
	"github.com/taskcluster/wsbridge/cfg"
	"github.com/taskcluster/wsbridge/demo"
	"github.com/taskcluster/wsbridge/endpoint"
	"github.com/taskcluster/wsbridge/engine"
	"github.com/taskcluster/wsbridge/httpsession"
	"github.com/taskcluster/wsbridge/internal/httputil"
	"github.com/taskcluster/wsbridge/servicereg"
	"github.com/taskcluster/wsbridge/upgrade"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// bridge is one wired server: registries, coordinator, session store and
// the HTTP servers exposing them.
type bridge struct {
	config *cfg.Config
	logger *logrus.Logger

	services    *servicereg.Registry
	registry    *endpoint.Registry
	sessions    *httpsession.Store
	coordinator *upgrade.Coordinator

	server      *http.Server
	adminServer *http.Server
}

func newBridge(config *cfg.Config, logger *logrus.Logger) (*bridge, error) {
	tracing, err := config.TracingMode()
	if err != nil {
		return nil, err
	}

	b := &bridge{
		config:   config,
		logger:   logger,
		services: servicereg.New(logger),
	}
	eng := engine.New(engine.Config{
		AllowedOrigins: config.AllowedOrigins,
		Tracing:        tracing,
		Logger:         logger,
	})
	b.registry = endpoint.New(endpoint.Config{
		Engine:   eng,
		Services: b.services,
		Logger:   logger,
	})
	b.services.Subscribe(b.registry)

	b.sessions = httpsession.New(httpsession.Config{
		CookieName: config.Session.CookieName,
		TTL:        config.Session.TTL,
		Secure:     config.Session.Secure,
		Logger:     logger,
	})
	b.coordinator = upgrade.New(upgrade.Config{
		Engine:            eng,
		Resolver:          b.registry,
		Sessions:          b.sessions,
		HandshakeTimeout:  config.HandshakeTimeout,
		ReadBufferSize:    config.ReadBufferSize,
		WriteBufferSize:   config.WriteBufferSize,
		MaxMessageSize:    config.MaxMessageSize,
		KeepAliveInterval: config.KeepAliveInterval,
		Properties:        config.Properties,
		Logger:            logger,
	})
	b.sessions.OnDestroyed(b.coordinator.SessionDestroyed)

	specs := make([]demo.Spec, 0, len(config.Handlers))
	for _, h := range config.Handlers {
		specs = append(specs, demo.Spec{Name: h.Name, Path: h.Path, Scope: h.Scope})
	}
	if _, err := demo.Register(b.services, specs, logger); err != nil {
		return nil, err
	}

	b.server = &http.Server{
		Addr:              config.Listen,
		Handler:           b.handler(),
		ReadHeaderTimeout: config.HandshakeTimeout,
	}
	if config.Admin.Listen != "" {
		b.adminServer = &http.Server{
			Addr:              config.Admin.Listen,
			Handler:           b.adminHandler(),
			ReadHeaderTimeout: config.HandshakeTimeout,
		}
	}
	return b, nil
}

// handler serves WebSocket upgrades and passes everything else to the
// session routes.
func (b *bridge) handler() http.Handler {
	router := mux.NewRouter()
	httputil.Register(router, b.sessions)
	return b.coordinator.Middleware(router)
}

func (b *bridge) adminHandler() http.Handler {
	router := mux.NewRouter()
	httputil.Register(router, adminapi.New(adminapi.Config{
		Bindings:    b.registry,
		Services:    b.services,
		Sessions:    b.sessions,
		Connections: b.coordinator,
		SecretA:     []byte(b.config.Admin.SecretA),
		SecretB:     []byte(b.config.Admin.SecretB),
		Audience:    b.config.Admin.Audience,
		Logger:      b.logger,
	}))
	return router
}

// run serves until ctx is done or a server fails, then shuts everything
// down.
func (b *bridge) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.logger.WithFields(logrus.Fields{
			"server-addr": b.server.Addr,
			"tls":         b.config.TLSEnabled(),
		}).Info("starting server")
		var err error
		if b.config.TLSEnabled() {
			err = b.server.ListenAndServeTLS(b.config.TLS.CertFile, b.config.TLS.KeyFile)
		} else {
			err = b.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	if b.adminServer != nil {
		g.Go(func() error {
			b.logger.WithField("server-addr", b.adminServer.Addr).Info("starting admin server")
			if err := b.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "admin server")
			}
			return nil
		})
	}

	g.Go(func() error {
		return b.sessions.Run(ctx, b.config.Session.SweepInterval)
	})

	g.Go(func() error {
		<-ctx.Done()
		b.logger.Info("shutting down")
		return b.shutdown()
	})

	return g.Wait()
}

// shutdown closes connections first so that handlers see them closed before
// they are unregistered.
func (b *bridge) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var result error
	if err := b.coordinator.Shutdown(ctx); err != nil {
		result = errors.Wrap(err, "closing connections")
	}
	if err := b.server.Shutdown(ctx); err != nil && result == nil {
		result = errors.Wrap(err, "stopping server")
	}
	if b.adminServer != nil {
		if err := b.adminServer.Shutdown(ctx); err != nil && result == nil {
			result = errors.Wrap(err, "stopping admin server")
		}
	}
	b.registry.Shutdown()
	b.services.Close()
	return result
}
