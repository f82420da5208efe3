// Package ws exposes the place search over a WebSocket. A client sends
// location updates; the server streams back batches of places for the
// requested region, followed by a completion marker. A new location
// update supersedes the running search.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whereitwent/places-backend/internal/core/model"
	"github.com/whereitwent/places-backend/internal/core/observability"
	"github.com/whereitwent/places-backend/internal/engine"
	mylog "github.com/whereitwent/places-backend/internal/logger"
	"github.com/whereitwent/places-backend/internal/s2geo"
)

// fallback region when a location update leaves fields out
const (
	DefaultLat    = 38.832352857203624
	DefaultLon    = -77.31284409452543
	DefaultRadius = 1000.0
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 10
	sendBuffer     = 64
)

// Searcher is the engine surface the dispatcher needs.
type Searcher interface {
	Search(ctx context.Context, region s2geo.SearchRegion, sink engine.Sink) ([]model.Place, error)
}

type Options struct {
	// EmitPause is the delay after each streamed batch, giving slow
	// clients room to render. Defaults to 10ms.
	EmitPause time.Duration
	// Dedupe suppresses places already streamed for the same request.
	Dedupe bool
	// DedupeSize bounds the per-request dedupe memory. Defaults to 4096
	// place keys.
	DedupeSize int
}

func (o *Options) applyDefaults() {
	if o.EmitPause <= 0 {
		o.EmitPause = 10 * time.Millisecond
	}
	if o.DedupeSize <= 0 {
		o.DedupeSize = 4096
	}
}

type Handler struct {
	logger   *slog.Logger
	searcher Searcher
	upgrader websocket.Upgrader
	opts     Options
}

func NewHandler(logger *slog.Logger, searcher Searcher, opts Options) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Handler{
		logger:   logger,
		searcher: searcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		opts: opts,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	sid := mylog.NewID()
	s := newSession(sid, conn, h.logger.With("session_id", sid), h.searcher, h.opts)

	observability.IncWSConnection()
	h.logger.Info("websocket client connected", "session_id", sid, "remote", r.RemoteAddr)

	go s.writePump()
	s.readPump()

	observability.DecWSConnection()
	h.logger.Info("websocket client disconnected", "session_id", sid)
}
