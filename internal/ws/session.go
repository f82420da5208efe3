package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/whereitwent/places-backend/internal/core/model"
	"github.com/whereitwent/places-backend/internal/core/observability"
	"github.com/whereitwent/places-backend/internal/engine"
	"github.com/whereitwent/places-backend/internal/s2geo"
)

// client to server
type clientMessage struct {
	Type   string   `json:"type"`
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Radius *float64 `json:"radius"`
}

// server to client
type placesUpdate struct {
	Type   string        `json:"type"`
	Places []model.Place `json:"places"`
}

type placesComplete struct {
	Type  string `json:"type"`
	Total int    `json:"total"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var errSuperseded = errors.New("superseded by a newer location update")

type session struct {
	id       string
	conn     *websocket.Conn
	logger   *slog.Logger
	searcher Searcher
	opts     Options

	send chan []byte

	// lifetime of the connection; canceling it stops every search and
	// the write pump
	ctx    context.Context
	cancel context.CancelFunc

	// reqID orders location updates; a search whose id is no longer
	// current stops emitting
	reqID atomic.Uint64

	mu           sync.Mutex
	cancelSearch context.CancelFunc
}

func newSession(id string, conn *websocket.Conn, logger *slog.Logger, searcher Searcher, opts Options) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:       id,
		conn:     conn,
		logger:   logger,
		searcher: searcher,
		opts:     opts,
		send:     make(chan []byte, sendBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// readPump owns the connection's read side. Returning tears the whole
// session down.
func (s *session) readPump() {
	defer func() {
		s.cancel()
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed", "err", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendError("invalid message")
			continue
		}

		switch msg.Type {
		case "location_update":
			observability.IncWSMessage("in", "location_update")
			s.handleLocationUpdate(msg)
		default:
			observability.IncWSMessage("in", "unknown")
			s.sendError("unknown message type")
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case raw := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.logger.Warn("websocket write failed", "err", err)
				s.cancel()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
				return
			}
		}
	}
}

// handleLocationUpdate starts a search for the requested region,
// superseding whatever search is currently running.
func (s *session) handleLocationUpdate(msg clientMessage) {
	lat, lon, radius := DefaultLat, DefaultLon, DefaultRadius
	if msg.Lat != nil {
		lat = *msg.Lat
	}
	if msg.Lon != nil {
		lon = *msg.Lon
	}
	if msg.Radius != nil {
		radius = *msg.Radius
	}
	region := s2geo.NewSearchRegion(lat, lon, radius)

	id := s.reqID.Add(1)

	searchCtx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	if s.cancelSearch != nil {
		s.cancelSearch()
	}
	s.cancelSearch = cancel
	s.mu.Unlock()

	go s.runSearch(searchCtx, id, region)
}

func (s *session) runSearch(ctx context.Context, id uint64, region s2geo.SearchRegion) {
	s.logger.Debug("search request",
		"request_id", id, "lat", region.Lat, "lon", region.Lon, "radius", region.RadiusM)

	// dedupe is scoped to one request: adjacent cell fetches within a
	// search can report the same place twice, but a later request over
	// the same region must see everything again
	var seen *lru.Cache[uint64, struct{}]
	if s.opts.Dedupe {
		seen, _ = lru.New[uint64, struct{}](s.opts.DedupeSize)
	}

	sink := engine.SinkFunc(func(places []model.Place) error {
		if s.reqID.Load() != id {
			return errSuperseded
		}
		places = filterSeen(seen, places)
		if len(places) == 0 {
			return nil
		}
		if err := s.enqueue(placesUpdate{Type: "places_update", Places: places}); err != nil {
			return err
		}
		observability.IncWSMessage("out", "places_update")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.EmitPause):
		}
		return nil
	})

	result, err := s.searcher.Search(ctx, region, sink)
	if err != nil {
		if errors.Is(err, errSuperseded) || errors.Is(err, context.Canceled) {
			s.logger.Debug("search superseded", "request_id", id)
			return
		}
		s.logger.Warn("search failed", "request_id", id, "err", err)
		s.sendError("search failed")
		return
	}

	if s.reqID.Load() != id {
		return
	}
	if err := s.enqueue(placesComplete{Type: "places_complete", Total: len(result)}); err == nil {
		observability.IncWSMessage("out", "places_complete")
	}
	s.logger.Debug("search complete", "request_id", id, "total", len(result))
}

// filterSeen drops places already streamed for this request. A nil seen
// cache means dedupe is off and the batch passes through.
func filterSeen(seen *lru.Cache[uint64, struct{}], places []model.Place) []model.Place {
	if seen == nil {
		return places
	}
	out := places[:0:0]
	for _, p := range places {
		if _, dup := seen.Get(p.Key()); dup {
			continue
		}
		seen.Add(p.Key(), struct{}{})
		out = append(out, p)
	}
	return out
}

func (s *session) sendError(msg string) {
	if err := s.enqueue(errorMessage{Type: "error", Message: msg}); err == nil {
		observability.IncWSMessage("out", "error")
	}
}

func (s *session) enqueue(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.send <- raw:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}
