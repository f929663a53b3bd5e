// Package observer streams the cells inside a spectator window of a match.
package observer

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"voxelcombat.gg/internal/match"
	"voxelcombat.gg/internal/protocol"
)

const maxRadius = 32

type Matches interface {
	Get(matchID string) (*match.Runtime, error)
}

type Server struct {
	matches Matches
	log     *log.Logger
	// LoopbackOnly refuses spectators that do not connect from loopback.
	LoopbackOnly bool

	upgrader websocket.Upgrader
}

func NewServer(m Matches, logger *log.Logger) *Server {
	return &Server{
		matches: m,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.LoopbackOnly && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub protocol.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			closeWith(conn, websocket.ClosePolicyViolation, "bad subscribe")
			return
		}
		if sub.Type != protocol.TypeSubscribe || sub.ProtocolVersion != protocol.ObserverVersion {
			closeWith(conn, websocket.ClosePolicyViolation, "expected SUBSCRIBE")
			return
		}
		normalizeSubscribe(&sub)

		rt, err := s.matches.Get(sub.MatchID)
		if err != nil {
			closeWith(conn, websocket.ClosePolicyViolation, protocol.MessageOf(err))
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		id, out, err := rt.Observe(ctx, sub)
		if err != nil {
			closeWith(conn, websocket.CloseTryAgainLater, protocol.MessageOf(err))
			return
		}
		defer rt.Unobserve(id)

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok := <-out:
					if !ok {
						writeErr <- nil
						_ = conn.Close()
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: MOVE shifts the window.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var mv protocol.MoveMsg
			if err := json.Unmarshal(msg, &mv); err != nil {
				continue
			}
			if mv.Type != protocol.TypeMove || mv.ProtocolVersion != protocol.ObserverVersion {
				continue
			}
			if !rt.Move(id, mv.DRow, mv.DCol) {
				// Drop moves under load; the client may resend.
				s.logf("observer %d: move dropped", id)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func normalizeSubscribe(sub *protocol.SubscribeMsg) {
	if sub.Radius < 0 {
		sub.Radius = 0
	}
	if sub.Radius > maxRadius {
		sub.Radius = maxRadius
	}
	if sub.Weight < 0 {
		sub.Weight = 0
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}
