package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sandboxrunner/ctf-supervisor/pkg/common"
	"github.com/sandboxrunner/ctf-supervisor/pkg/sandbox"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
	maxReplay      = 100
	maxInboundSize = 512
)

// eventStream is one websocket subscriber of lifecycle events
type eventStream struct {
	id             string
	conn           *websocket.Conn
	send           chan sandbox.Event
	done           chan struct{}
	closeOnce      sync.Once
	subscriptionID string
	server         *Server
}

// Close stops the stream's pumps. Safe to call more than once.
func (es *eventStream) Close() {
	es.closeOnce.Do(func() {
		close(es.done)
	})
}

// deliver hands an event to the write pump without blocking the bus
func (es *eventStream) deliver(event sandbox.Event) error {
	select {
	case <-es.done:
		return nil
	default:
	}

	select {
	case es.send <- event:
	default:
		es.server.logger.Warn().
			Str("stream_id", es.id).
			Str("event_type", string(event.Type)).
			Msg("Event stream too slow, dropping event")
	}
	return nil
}

// handleEvents upgrades to a websocket and streams lifecycle events.
// Query parameters narrow the stream: owner_id, instance_id, severity,
// types (comma separated) and replay (recent events sent first).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		s.writeError(w, r, common.NewSandboxError(common.ErrCodeRuntimeUnavailable, "server is shutting down", ""))
		return
	default:
	}

	query := r.URL.Query()
	filter, types := eventFilterFromQuery(query.Get("owner_id"), query.Get("instance_id"), query.Get("severity"), query.Get("types"))

	replay := 0
	if raw := query.Get("replay"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, common.NewSandboxError(common.ErrCodeInvalidRequest, "replay must be a non-negative integer", raw))
			return
		}
		replay = min(n, maxReplay)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	stream := &eventStream{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan sandbox.Event, s.config.EventBuffer),
		done:   make(chan struct{}),
		server: s,
	}

	// Replay before subscribing so history precedes live events
	if replay > 0 {
		for _, event := range s.supervisor.RecentEvents(replay) {
			if matchesEvent(event, filter, types) {
				select {
				case stream.send <- event:
				default:
				}
			}
		}
	}

	stream.subscriptionID = s.supervisor.Subscribe(stream.deliver, filter, types...)

	s.wsMutex.Lock()
	s.wsConnections[stream.id] = stream
	s.wsMutex.Unlock()
	s.wsCount.Add(1)

	s.logger.Info().
		Str("stream_id", stream.id).
		Str("remote_addr", r.RemoteAddr).
		Int("event_types", len(types)).
		Msg("Event stream connected")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		stream.readPump()
	}()
	go func() {
		defer s.wg.Done()
		stream.writePump()
	}()
}

// readPump discards client frames and notices disconnects
func (es *eventStream) readPump() {
	defer es.server.removeStream(es)

	es.conn.SetReadLimit(maxInboundSize)
	_ = es.conn.SetReadDeadline(time.Now().Add(pongWait))
	es.conn.SetPongHandler(func(string) error {
		return es.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := es.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				es.server.logger.Warn().Err(err).Str("stream_id", es.id).Msg("Event stream read error")
			}
			return
		}
	}
}

func (es *eventStream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		es.conn.Close()
	}()

	for {
		select {
		case <-es.done:
			_ = es.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = es.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case event := <-es.send:
			_ = es.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := es.conn.WriteJSON(event); err != nil {
				es.server.logger.Debug().Err(err).Str("stream_id", es.id).Msg("Event stream write error")
				es.Close()
				return
			}

		case <-ticker.C:
			_ = es.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := es.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				es.Close()
				return
			}
		}
	}
}

func (s *Server) removeStream(es *eventStream) {
	s.supervisor.Unsubscribe(es.subscriptionID)
	es.Close()

	s.wsMutex.Lock()
	_, exists := s.wsConnections[es.id]
	delete(s.wsConnections, es.id)
	s.wsMutex.Unlock()

	if exists {
		s.wsCount.Add(-1)
	}
	s.logger.Info().Str("stream_id", es.id).Msg("Event stream disconnected")
}

// StreamCount returns the number of connected event streams
func (s *Server) StreamCount() int {
	return int(s.wsCount.Load())
}

func eventFilterFromQuery(ownerID, instanceID, severity, rawTypes string) (sandbox.EventFilter, []sandbox.EventType) {
	var filters []sandbox.EventFilter
	if ownerID != "" {
		filters = append(filters, sandbox.OwnerFilter(ownerID))
	}
	if instanceID != "" {
		filters = append(filters, sandbox.InstanceFilter(instanceID))
	}
	if severity != "" {
		var severities []sandbox.EventSeverity
		for _, s := range strings.Split(severity, ",") {
			if s = strings.TrimSpace(s); s != "" {
				severities = append(severities, sandbox.EventSeverity(s))
			}
		}
		filters = append(filters, sandbox.SeverityFilter(severities...))
	}

	var types []sandbox.EventType
	for _, t := range strings.Split(rawTypes, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, sandbox.EventType(t))
		}
	}

	return sandbox.AllFilters(filters...), types
}

func matchesEvent(event sandbox.Event, filter sandbox.EventFilter, types []sandbox.EventType) bool {
	if len(types) > 0 {
		matched := false
		for _, t := range types {
			if event.Type == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return filter == nil || filter(event)
}
