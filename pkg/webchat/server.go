package webchat

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownBudget = 30 * time.Second

// Server drives the event router, the idle eviction loop, the history cache
// watcher, and the HTTP server as one lifecycle.
type Server struct {
	baseCtx context.Context
	router  *Router
	httpSrv *http.Server
}

func NewServer(ctx context.Context, cfg RouterConfig) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	r, err := NewRouter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Server{baseCtx: ctx, router: r, httpSrv: r.BuildHTTPServer()}, nil
}

func (s *Server) Router() *Router {
	if s == nil {
		return nil
	}
	return s.router
}

func (s *Server) HTTPServer() *http.Server {
	if s == nil {
		return nil
	}
	return s.httpSrv
}

// Run blocks until ctx is canceled or a component fails, then shuts the HTTP
// server down within the shutdown budget and closes the stores.
func (s *Server) Run(ctx context.Context) error {
	if s == nil || s.router == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg, egCtx := errgroup.WithContext(srvCtx)

	eg.Go(func() error { return s.router.RunEventRouter(egCtx) })

	if hs := s.router.historyStore; hs != nil {
		eg.Go(func() error {
			if err := hs.Watch(egCtx); err != nil {
				// Listings fall back to rescanning; the watcher is a cache
				// optimization, not a correctness requirement.
				log.Warn().Err(err).Msg("history watcher stopped")
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownBudget)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown error")
			return err
		}
		if err := s.router.Close(); err != nil {
			log.Error().Err(err).Msg("router close error")
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting chat server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
