package server

import (
	"net/http"
	"time"

	"github.com/btx-lnd/lazy-lnd/internal/autotune"
	"github.com/btx-lnd/lazy-lnd/internal/config"
	"github.com/btx-lnd/lazy-lnd/internal/lndclient"
)

type loggerLike interface {
	Printf(format string, v ...any)
}

// Server exposes the engine's state and change feed over a node-local HTTP
// API.
type Server struct {
	cfg    *config.Config
	logger loggerLike
	lnd    *lndclient.Client
	svc    *autotune.Service

	sink    *ChangeSink
	sinkErr string
}

func New(cfg *config.Config, logger loggerLike, lnd *lndclient.Client, svc *autotune.Service) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		lnd:    lnd,
		svc:    svc,
	}
}

func (s *Server) Run() error {
	s.initChangeSink()

	addr := s.cfg.Engine.ListenAddr

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Printf("listening on http://%s", addr)
	return httpServer.ListenAndServe()
}
