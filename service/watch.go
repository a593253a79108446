package service

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/OrrinLabs/tally/events"
	"github.com/OrrinLabs/tally/models"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
)

// watchSession is one websocket subscriber. Its event channel belongs
// to the hub; the hub drops events when the channel backs up and the
// unsubscriber closes it, which is what tells writePump to finish.
type watchSession struct {
	svc         *Service
	conn        *websocket.Conn
	counterID   string
	events      <-chan models.CounterEvent
	unsubscribe events.Unsubscriber
}

func (s *Service) handleWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	if !s.validateToken(w, r) {
		return
	}

	// An empty counter parameter subscribes to every counter.
	counterID := r.URL.Query().Get("counter")

	s.watchersMu.Lock()
	full := s.maxWatchers > 0 && len(s.watchers) >= s.maxWatchers
	s.watchersMu.Unlock()
	if full {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ch, unsubscribe := s.hub.Subscribe(counterID)
	session := &watchSession{
		svc:         s,
		conn:        conn,
		counterID:   counterID,
		events:      ch,
		unsubscribe: unsubscribe,
	}
	if !s.registerWatcher(session) {
		unsubscribe()
		conn.Close()
		return
	}

	s.logger.Debug("watch session opened",
		"counter", counterID, "remote", s.getRemoteAddress(r))
	go session.writePump()
	go session.readPump()
}

// registerWatcher re-checks the connection cap under the lock; the
// pre-upgrade check races with other upgrades.
func (s *Service) registerWatcher(session *watchSession) bool {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	if s.maxWatchers > 0 && len(s.watchers) >= s.maxWatchers {
		return false
	}
	s.watchers[session] = struct{}{}
	return true
}

func (s *Service) unregisterWatcher(session *watchSession) {
	s.watchersMu.Lock()
	_, registered := s.watchers[session]
	if registered {
		delete(s.watchers, session)
	}
	s.watchersMu.Unlock()

	if registered {
		session.unsubscribe()
		s.logger.Debug("watch session closed", "counter", session.counterID)
	}
}

func (s *Service) watcherCount() int {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	return len(s.watchers)
}

func (s *Service) closeWatchers() {
	s.watchersMu.Lock()
	sessions := make([]*watchSession, 0, len(s.watchers))
	for session := range s.watchers {
		sessions = append(sessions, session)
	}
	s.watchersMu.Unlock()

	for _, session := range sessions {
		s.unregisterWatcher(session)
		session.conn.Close()
	}
}

func (ws *watchSession) readPump() {
	defer func() {
		ws.svc.unregisterWatcher(ws)
		ws.conn.Close()
	}()
	ws.conn.SetReadLimit(maxMessageSize)
	_ = ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				ws.svc.logger.Warn("watch session read failed",
					"counter", ws.counterID, "error", err)
			}
			return
		}
	}
}

func (ws *watchSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.conn.Close()
	}()
	for {
		select {
		case event, ok := <-ws.events:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				ws.svc.logger.Error("encoding watch event failed", "error", err)
				continue
			}
			if err := ws.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ws.svc.appCtx.Done():
			return
		}
	}
}
