package webchat

import (
	"context"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/burattino/pkg/history"
	chatstore "github.com/go-go-golems/burattino/pkg/persistence/chatstore"
)

// RouterConfig assembles the collaborators of one webchat router. Backend and
// Streamers are required; stores and the history surface are optional and
// their routes degrade to 503 when absent.
type RouterConfig struct {
	Addr     string
	BasePath string

	// QueueDepth caps pending prompts per conversation. Zero uses the default.
	QueueDepth    int
	EvictIdle     time.Duration
	EvictInterval time.Duration

	Backend         StreamBackend
	Streamers       StreamerFactory
	TranscriptStore chatstore.TranscriptStore
	TurnStore       chatstore.TurnStore
	HistoryStore    *history.Store

	// StaticFS serves the demo page at /. Routes-only when nil.
	StaticFS fs.FS
}

func (c RouterConfig) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("addr is empty")
	}
	if c.Backend == nil {
		return errors.New("stream backend is nil")
	}
	if c.Streamers == nil {
		return errors.New("streamer factory is nil")
	}
	if bp := c.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return errors.Errorf("base path %q must start with /", bp)
	}
	return nil
}

// Router wires the conversation service, its projections, and the HTTP routes
// into one mountable handler.
type Router struct {
	baseCtx context.Context
	cfg     RouterConfig
	mux     *http.ServeMux

	backend         StreamBackend
	cm              *ConvManager
	svc             *ConversationService
	projector       *TranscriptProjector
	transcriptStore chatstore.TranscriptStore
	turnStore       chatstore.TurnStore
	historyStore    *history.Store
}

func NewRouter(ctx context.Context, cfg RouterConfig) (*Router, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "router config")
	}
	transcriptStore := cfg.TranscriptStore
	if transcriptStore == nil {
		transcriptStore = chatstore.NewInMemoryTranscriptStore(0)
	}

	r := &Router{
		baseCtx:         ctx,
		cfg:             cfg,
		mux:             http.NewServeMux(),
		backend:         cfg.Backend,
		transcriptStore: transcriptStore,
		turnStore:       cfg.TurnStore,
		historyStore:    cfg.HistoryStore,
	}
	r.projector = NewTranscriptProjector(ctx, transcriptStore)

	r.cm = NewConvManager(ConvManagerOptions{
		BaseCtx:         ctx,
		BuildSubscriber: cfg.Backend.BuildConvSubscriber,
		OnEvent:         r.projector.Apply,
		QueueDepth:      cfg.QueueDepth,
	})
	r.cm.SetEvictionConfig(cfg.EvictIdle, cfg.EvictInterval)

	svc, err := NewConversationService(ConversationServiceConfig{
		BaseCtx:     ctx,
		ConvManager: r.cm,
		Publisher:   cfg.Backend.Publisher(),
		Streamers:   cfg.Streamers,
		TurnStore:   cfg.TurnStore,
		Projector:   r.projector,
		QueueDepth:  cfg.QueueDepth,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new conversation service")
	}
	r.svc = svc

	r.registerHandlers()
	return r, nil
}

func (r *Router) Service() *ConversationService { return r.svc }

func (r *Router) ConvManager() *ConvManager { return r.cm }

// Handler returns the route mux without the base-path prefix applied.
func (r *Router) Handler() http.Handler { return r.mux }

// Mount attaches the routes to a parent mux under prefix. http.ServeMux does
// not strip prefixes, so StripPrefix is applied explicitly.
func (r *Router) Mount(mux *http.ServeMux, prefix string) {
	if prefix == "" || prefix == "/" {
		mux.Handle("/", r.mux)
		return
	}
	prefix = strings.TrimRight(prefix, "/")
	mux.Handle(prefix+"/", http.StripPrefix(prefix, r.mux))
	mux.HandleFunc(prefix, func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, prefix+"/", http.StatusPermanentRedirect)
	})
}

// BuildHTTPServer constructs the http.Server. The write timeout stays zero:
// chat responses stream for as long as the agent runs.
func (r *Router) BuildHTTPServer() *http.Server {
	handler := http.Handler(r.mux)
	if bp := strings.TrimSpace(r.cfg.BasePath); bp != "" && bp != "/" {
		outer := http.NewServeMux()
		r.Mount(outer, bp)
		handler = outer
	}
	return &http.Server{
		Addr:              r.cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// RunEventRouter starts the eviction loop and blocks in the event router loop
// until ctx is done.
func (r *Router) RunEventRouter(ctx context.Context) error {
	logger := log.With().Str("component", "webchat").Logger()
	if r.cm != nil {
		r.cm.StartEvictionLoop(ctx)
	}
	logger.Info().Msg("starting event router loop")
	if err := r.backend.EventRouter().Run(ctx); err != nil {
		logger.Error().Err(err).Msg("event router exited with error")
		return err
	}
	logger.Info().Msg("event router loop exited")
	return nil
}

// Close releases the stores and the stream backend.
func (r *Router) Close() error {
	var firstErr error
	if r.transcriptStore != nil {
		if err := r.transcriptStore.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "close transcript store")
		}
	}
	if r.turnStore != nil {
		if err := r.turnStore.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "close turn store")
		}
	}
	if r.backend != nil {
		if err := r.backend.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "close stream backend")
		}
	}
	return firstErr
}

func (r *Router) registerHandlers() {
	resolver := NewDefaultRunRequestResolver()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// The demo page is served same-origin; observers from elsewhere are
		// an accepted part of the demo deployment model.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	r.mux.HandleFunc("POST /api/chat", NewChatHandler(r.svc, resolver, r.backend))
	r.mux.HandleFunc("POST /api/abort/{runID}", NewAbortHandler(r.svc))
	r.mux.HandleFunc("GET /api/ws", NewWSHandler(r.svc, resolver, upgrader))
	r.mux.HandleFunc("GET /api/transcript", NewTranscriptHandler(r.transcriptStore))
	r.mux.HandleFunc("GET /api/history/projects", NewHistoryProjectsHandler(r.historyStore))
	r.mux.HandleFunc("GET /api/history/projects/{project}/conversations", NewHistoryConversationsHandler(r.historyStore))
	r.mux.HandleFunc("GET /api/history/projects/{project}/conversations/{sessionID}", NewHistoryConversationHandler(r.historyStore))
	r.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.registerUIHandlers()
}

func (r *Router) registerUIHandlers() {
	if r.cfg.StaticFS == nil {
		return
	}
	staticFS := r.cfg.StaticFS
	if sub, err := fs.Sub(staticFS, "static"); err == nil {
		r.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(sub))))
	}
	r.mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		b, err := fs.ReadFile(staticFS, "static/index.html")
		if err != nil {
			http.Error(w, "index not found", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(b)
	})
}
