package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/events"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/identity"
)

const (
	writeTimeout  = 10 * time.Second
	pongTimeout   = 60 * time.Second
	maxFrameBytes = 64 * 1024
)

// wsSession is one live websocket connection. Writes are serialized with a
// mutex because gorilla/websocket allows at most one concurrent writer.
type wsSession struct {
	id   string
	who  identity.Identity
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSSession(who identity.Identity, conn *websocket.Conn) *wsSession {
	return &wsSession{id: uuid.NewString(), who: who, conn: conn}
}

func (s *wsSession) ID() string                  { return s.id }
func (s *wsSession) Identity() identity.Identity { return s.who }

func (s *wsSession) Send(env events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(env)
}

func (s *wsSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (s *wsSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// handleWS authenticates the token from the query string, upgrades the
// connection, and runs the session until the peer goes away.
func (g *gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	who, err := g.gate.Verify(r.URL.Query().Get("token"))
	if err != nil {
		slog.Warn("Rejected websocket connection", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sess := newWSSession(who, conn)
	ctx := r.Context()

	if err := g.connect(ctx, sess); err != nil {
		slog.Error("Failed to admit session", "user", who.ID, "error", err)
		sess.Send(events.MustNew(events.ErrorEvent, events.ErrorPayload{Message: "connection setup failed"}))
		sess.Close()
		return
	}
	defer g.disconnect(context.WithoutCancel(ctx), sess)

	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go g.heartbeatLoop(ctx, sess, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("Websocket read failed", "user", who.ID, "error", err)
			}
			return
		}

		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			sess.Send(events.MustNew(events.ErrorEvent, events.ErrorPayload{Message: "malformed event"}))
			continue
		}
		g.dispatch(ctx, sess, env)
	}
}

// heartbeatLoop renews the presence record and pings the peer at half the
// presence TTL, so a healthy connection never expires from the registry.
func (g *gateway) heartbeatLoop(ctx context.Context, sess *wsSession, stop <-chan struct{}) {
	ticker := time.NewTicker(g.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := g.registryCall(func() error { return g.registry.Heartbeat(sess.who.ID) }); err != nil {
				slog.WarnContext(ctx, "Presence heartbeat failed", "user", sess.who.ID, "error", err)
			}
			if err := sess.ping(); err != nil {
				return
			}
		}
	}
}
