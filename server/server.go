/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/longsleep/go-metrics/loggedwriter"
	"github.com/longsleep/go-metrics/timing"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	cfg "stash.kopano.io/kwm/kwmcall/config"
	"stash.kopano.io/kwm/kwmcall/internal/call"
	"stash.kopano.io/kwm/kwmcall/internal/ice"
	"stash.kopano.io/kwm/kwmcall/internal/media"
	"stash.kopano.io/kwm/kwmcall/internal/relay"
	"stash.kopano.io/kwm/kwmcall/internal/rtc"
	apiv0 "stash.kopano.io/kwm/kwmcall/server/api-v0/service"
)

// Server is our HTTP server implementation.
type Server struct {
	config *cfg.Config

	listenAddr string
	logger     logrus.FieldLogger

	requestLog bool
}

// NewServer constructs a server from the provided parameters.
func NewServer(c *cfg.Config) (*Server, error) {
	s := &Server{
		config: c,

		listenAddr: c.ListenAddr,
		logger:     c.Logger,

		requestLog: c.RequestLog,
	}

	return s, nil
}

// WithMetrics adds metrics logging to the provided http.Handler. When the
// handler is done, the context is canceled, logging metrics.
func (s *Server) WithMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		// Create per request cancel context.
		ctx, cancel := context.WithCancel(req.Context())

		loggedWriter := metrics.NewLoggedResponseWriter(rw)
		ctx = timing.NewContext(ctx, func(duration time.Duration) {
			durationMs := float64(duration) / float64(time.Millisecond)
			s.logger.WithFields(logrus.Fields{
				"status":     loggedWriter.Status(),
				"method":     req.Method,
				"path":       req.URL.Path,
				"remote":     req.RemoteAddr,
				"duration":   durationMs,
				"user-agent": req.UserAgent(),
			}).Debug("HTTP request complete")
		})

		next.ServeHTTP(loggedWriter, req.WithContext(ctx))

		// Cancel per request context when done.
		cancel()
	})
}

// AddContext adds the accociated server's context to the provided http.Hander
// request.
func (s *Server) AddContext(parent context.Context, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		next.ServeHTTP(rw, req.WithContext(parent))
	})
}

// AddRoutes add the accociated Servers URL routes to the provided router with
// the provided context.Context.
func (s *Server) AddRoutes(ctx context.Context, router *mux.Router, chain alice.Chain) http.Handler {
	router.Handle("/health-check", chain.ThenFunc(s.HealthCheckHandler))

	return router
}

// NewSession creates the call session together with its pion connection
// factory, RTP ingest media source and relay transport.
func (s *Server) NewSession() (*call.Session, *relay.Client, error) {
	config := s.config

	factory, err := rtc.NewFactory(&rtc.Config{
		Logger: s.logger.WithField("scope", "rtc"),

		ICEServers:               ice.WebRTC(config.ICEServers),
		ICEInterfaces:            config.ICEInterfaces,
		ICENetworkTypes:          config.ICENetworkTypes,
		ICEEphemeralUDPPortRange: config.ICEEphemeralUDPPortRange,

		Verbose: config.WebRTCVerbose,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection factory: %w", err)
	}

	source := media.NewSource(&media.Config{
		Logger: s.logger.WithField("scope", "media"),

		AudioListenAddr: config.AudioRTPListenAddr,
		VideoListenAddr: config.VideoRTPListenAddr,
	})

	relayc, err := relay.NewClient(&relay.Config{
		Logger:     s.logger,
		HTTPClient: config.HTTPClient,

		URL: config.RelayURL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create relay client: %w", err)
	}

	session, err := call.NewSession(&call.Config{
		Logger:  s.logger.WithField("scope", "call"),
		Metrics: config.Metrics,

		SelfID: config.SelfID,
		Room:   config.Room,

		Media: call.Constraints{
			Audio: config.Audio,
			Video: config.Video,
		},

		Factory:   factory,
		Transport: relayc,
		Source:    source,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create call session: %w", err)
	}

	return session, relayc, nil
}

// Serve starts all the accociated servers resources and listeners and blocks
// forever until signals or error occurs. Returns error and gracefully stops
// all HTTP listeners before return.
func (s *Server) Serve(ctx context.Context) error {
	var err error

	serveCtx, serveCtxCancel := context.WithCancel(ctx)
	defer serveCtxCancel()

	logger := s.logger

	session, relayc, err := s.NewSession()
	if err != nil {
		return err
	}

	// HTTP services.
	router := mux.NewRouter()
	commonHandlers := alice.New()
	if s.requestLog {
		commonHandlers = commonHandlers.Append(s.WithMetrics)
	}

	// Basic routes provided by server.
	s.AddRoutes(ctx, router, commonHandlers)

	apiv0Service := apiv0.NewHTTPService(serveCtx, logger, session)
	apiv0Service.AddRoutes(ctx, router, commonHandlers)

	signalCh := make(chan os.Signal, 1)

	// HTTP listener.
	logger.WithField("listenAddr", s.listenAddr).Infoln("starting http listener")
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler: s.AddContext(serveCtx, router),
	}

	g, gCtx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		defer logger.Debugln("call session stopped")
		if runErr := session.Run(gCtx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return nil
	})
	g.Go(func() error {
		return relayc.Run(gCtx, session)
	})
	g.Go(func() error {
		defer logger.Debugln("http listener stopped")
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})

	exitCh := make(chan error, 1)
	go func() {
		exitCh <- g.Wait()
	}()

	if s.config.AutoStart {
		logger.WithFields(logrus.Fields{
			"audio": s.config.Audio,
			"video": s.config.Video,
		}).Infoln("starting call")
		if startErr := session.StartCall(nil); startErr != nil {
			logger.WithError(startErr).Errorln("failed to start call")
		}
	}

	logger.WithFields(logrus.Fields{
		"self_id": session.SelfID(),
		"room":    s.config.Room,
	}).Infoln("ready to handle requests")

	// Wait for exit or error.
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-gCtx.Done():
		// breaks
	case reason := <-signalCh:
		logger.WithField("signal", reason).Warnln("received signal")
		// breaks
	}

	// Shutdown, server will stop to accept new connections.
	logger.Infoln("clean server shutdown start")
	shutDownCtx, shutDownCtxCancel := context.WithTimeout(ctx, 10*time.Second)
	if shutdownErr := srv.Shutdown(shutDownCtx); shutdownErr != nil {
		logger.WithError(shutdownErr).Warn("clean server shutdown failed")
	}

	// Cancel our own context, wait on services.
	serveCtxCancel()
	func() {
		for {
			select {
			case err = <-exitCh:
				return
			default:
				logger.Info("waiting for services to exit")
			}

			select {
			case reason := <-signalCh:
				logger.WithField("signal", reason).Warn("received signal")
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()
	shutDownCtxCancel() // prevent leak.

	return err
}
