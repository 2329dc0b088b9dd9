// Package server wires the connection, document, awareness, sync, and
// pub/sub layers into one runnable process: an HTTP /ws endpoint and the
// background reaper, brought up and down together under one context.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/synckit/syncserver/auth"
	"github.com/synckit/syncserver/awareness"
	"github.com/synckit/syncserver/conn"
	"github.com/synckit/syncserver/config"
	"github.com/synckit/syncserver/document"
	"github.com/synckit/syncserver/metrics"
	"github.com/synckit/syncserver/pubsub"
	"github.com/synckit/syncserver/reaper"
	"github.com/synckit/syncserver/registry"
	"github.com/synckit/syncserver/router"
	"github.com/synckit/syncserver/syncer"
	"github.com/synckit/syncserver/wire"
)

// closeGrace bounds the HTTP server shutdown and the bus and storage
// disconnects once Run is canceled, and is the write deadline of the
// close frame sent to a connection rejected at capacity.
const closeGrace = 5 * time.Second

// Server owns every collaborator and the HTTP listener in front of them.
type Server struct {
	cfg *config.Config
	log *logrus.Entry
	mt  *metrics.Collectors

	docs       *document.Store
	awareness  *awareness.Store
	registry   *registry.Registry
	coord      *syncer.Coordinator
	router     *router.Router
	reaperTask *reaper.Reaper
	bus        pubsub.Bus
	persister  document.Persister

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New assembles a Server from cfg, its constructed collaborators, and a
// shared Collectors (construct it once per process and reuse it across
// the Bus implementation too, since promauto.With panics on a duplicate
// metric name registered against the same Registerer). bus and persister
// may be nil, in which case an in-memory Bus and no persister are used.
func New(cfg *config.Config, bus pubsub.Bus, persister document.Persister, log *logrus.Entry, mt *metrics.Collectors) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if bus == nil {
		bus = pubsub.NewMemory()
	}
	if mt == nil {
		mt = metrics.New(prometheus.NewRegistry())
	}

	docs := document.NewStore(persister, cfg.DeltaLogLimit, log)
	aw := awareness.NewStore(cfg.AwarenessTTL)
	connReg := registry.New(cfg.MaxConnections)
	coord := syncer.New(docs, bus, connReg, cfg.BatchWindow, cfg.AckTimeout, cfg.MaxAckAttempts, mt, log)
	gate := auth.NewGate(auth.Config{
		AuthRequired:   cfg.AuthRequired,
		JWTSecret:      cfg.JWTSecret,
		JWTIssuer:      cfg.JWTIssuer,
		JWTAudience:    cfg.JWTAudience,
		AccessTokenTTL: cfg.AccessTokenTTL,
		APIKeys:        cfg.APIKeys,
	})
	rt := router.New(gate, docs, aw, coord, connReg, bus, mt, log)
	rp := reaper.New(aw, connReg, cfg.AwarenessReaperInterval, mt, log)

	return &Server{
		cfg:        cfg,
		log:        log,
		mt:         mt,
		docs:       docs,
		awareness:  aw,
		registry:   connReg,
		coord:      coord,
		router:     rt,
		reaperTask: rp,
		bus:        bus,
		persister:  persister,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler this server serves, for callers that
// want to mount it alongside other routes instead of calling Run.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithFields(logrus.Fields{"err": err, "remote": r.RemoteAddr}).Warn("server: websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	c := conn.New(id, ws, s.cfg.HeartbeatInterval, s.cfg.HeartbeatTimeout, s.log, s.mt)
	if err := s.registry.Add(c); err != nil {
		s.log.WithField("connId", id).Info("server: rejecting connection, at capacity")
		if s.mt != nil {
			s.mt.ConnectionsRejected.Inc()
		}
		deadline := time.Now().Add(closeGrace)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "at capacity"), deadline)
		_ = ws.Close()
		return
	}
	if s.mt != nil {
		s.mt.ConnectionsOpen.Inc()
	}

	c.OnClose = func(c *conn.Connection, reason string) {
		s.router.Teardown(c, reason)
		if s.mt != nil {
			s.mt.ConnectionsOpen.Dec()
		}
	}

	stop := make(chan struct{})
	go c.WritePump()
	go c.Heartbeat(stop)
	defer close(stop)

	ctx := r.Context()
	c.ReadLoop(func(msg *wire.Message) error {
		return s.router.Route(ctx, c, msg)
	})
}

// Run starts serving HTTP on addr and the awareness reaper, blocking
// until ctx is canceled or a fatal error occurs. On cancellation it closes
// every registered connection at once with a normal-closure frame, without
// waiting for their queued writes to drain, stops the reaper, shuts the
// HTTP listener down within closeGrace, then disconnects the pub/sub bus
// and storage collaborator.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler()}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: http listener: %w", err)
		}
		return nil
	})

	reaperCtx, cancelReaper := context.WithCancel(context.Background())
	group.Go(func() error {
		s.reaperTask.Run(reaperCtx)
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		return s.shutdown(cancelReaper)
	})

	return group.Wait()
}

func (s *Server) shutdown(cancelReaper context.CancelFunc) error {
	s.log.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()

	for _, c := range s.registry.All() {
		c.Close("server shutting down")
	}
	cancelReaper()

	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.log.WithField("err", err).Warn("server: http shutdown did not complete cleanly")
	}
	if err := s.bus.Disconnect(shutdownCtx); err != nil {
		s.log.WithField("err", err).Warn("server: pubsub disconnect failed")
	}
	if s.persister != nil {
		if err := s.persister.Disconnect(shutdownCtx); err != nil {
			s.log.WithField("err", err).Warn("server: storage disconnect failed")
		}
	}
	return nil
}
