// Package ws carries the player protocol over websockets: HELLO/WELCOME,
// requests answered by RESULT, and the server push of PING, TICK and the
// other match messages.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"voxelcombat.gg/internal/match"
	"voxelcombat.gg/internal/protocol"
)

// Matches finds the runtime of a match.
type Matches interface {
	Get(matchID string) (*match.Runtime, error)
}

type Server struct {
	matches Matches
	log     *log.Logger

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

type session struct {
	rt       *match.Runtime
	clientID uuid.UUID
	out      <-chan []byte
	replies  chan []byte
	limiter  *rate.Limiter
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sess := s.handshake(ctx, conn)
		if sess == nil {
			return
		}
		defer sess.rt.Detach(sess.clientID, sess.out)

		// Writer goroutine. The match closes out when it drops the
		// session; closing conn then ends the reader loop.
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			for {
				var b []byte
				select {
				case <-ctx.Done():
					return
				case b = <-sess.replies:
				case m, ok := <-sess.out:
					if !ok {
						_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"), time.Now().Add(time.Second))
						_ = conn.Close()
						return
					}
					b = m
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					_ = conn.Close()
					return
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if !s.handle(ctx, sess, msg) {
				break
			}
		}
		cancel()
		<-writerDone
	}
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closePolicy(conn, "expected HELLO")
		return nil
	}
	if err := protocol.Validate("hello", msg); err != nil {
		_ = writeJSON(conn, result("", err))
		closePolicy(conn, "bad HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closePolicy(conn, "bad protocol_version")
		return nil
	}

	rt, err := s.matches.Get(hello.MatchID)
	if err != nil {
		_ = writeJSON(conn, result("", err))
		closePolicy(conn, "unknown match")
		return nil
	}
	out, drives, err := rt.Attach(ctx, hello.ClientID)
	if err != nil {
		_ = writeJSON(conn, result("", err))
		closePolicy(conn, "not admitted")
		return nil
	}

	tu := rt.Tuning()
	sess := &session{
		rt:       rt,
		clientID: hello.ClientID,
		out:      out,
		replies:  make(chan []byte, 64),
		limiter:  rate.NewLimiter(rate.Limit(tu.RateLimits.CommandsPerSecond), tu.RateLimits.CommandBurst),
	}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		MatchID:         rt.MatchID(),
		ClientID:        hello.ClientID,
		Players:         drives,
		TickDurationMs:  tu.TickDurationMs,
	}
	if err := writeJSON(conn, welcome); err != nil {
		rt.Detach(sess.clientID, out)
		return nil
	}
	s.logf("ws: client %s joined match %s", hello.ClientID, rt.MatchID())
	return sess
}

// handle serves one request. It returns false when the client leaves.
func (s *Server) handle(ctx context.Context, sess *session, msg []byte) bool {
	var req protocol.RequestMsg
	if err := json.Unmarshal(msg, &req); err != nil {
		s.reply(sess, result("", protocol.Errorf(protocol.BadRequest, "%v", err)))
		return true
	}
	if req.ProtocolVersion != protocol.Version {
		s.reply(sess, result(req.Ref, protocol.Errorf(protocol.BadRequest, "protocol_version %q", req.ProtocolVersion)))
		return true
	}

	id := sess.clientID
	var res protocol.ResultMsg
	switch req.Type {
	case protocol.TypePong:
		if err := sess.rt.Call(ctx, func(m *match.Server) error { return m.Pong(id) }); err != nil {
			s.logf("ws: pong from %s: %v", id, err)
		}
		return true
	case protocol.TypeReady:
		res = result(req.Ref, sess.rt.Call(ctx, func(m *match.Server) error { return m.ReadyToPlay(id) }))
	case protocol.TypeCmd:
		switch {
		case req.Cmd == nil:
			res = result(req.Ref, protocol.Errorf(protocol.BadRequest, "missing cmd"))
		case !sess.limiter.Allow():
			res = result(req.Ref, protocol.Errorf(protocol.RateLimited, "too many commands"))
		default:
			cmd := *req.Cmd
			res = result(req.Ref, sess.rt.Call(ctx, func(m *match.Server) error { return m.Submit(id, req.PlayerID, cmd) }))
		}
	case protocol.TypePause:
		res = result(req.Ref, sess.rt.Call(ctx, func(m *match.Server) error { return m.Pause(id, req.Pause) }))
	case protocol.TypeReplay:
		var data protocol.ReplayData
		err := sess.rt.Call(ctx, func(m *match.Server) error {
			var err error
			data, err = m.GetReplay(id)
			return err
		})
		res = result(req.Ref, err)
		if err == nil {
			res.Replay = &data
		}
	case protocol.TypeGetMap:
		b, err := sess.rt.DownloadMapData(ctx, id)
		res = result(req.Ref, err)
		res.MapData = b
	case protocol.TypeLeave:
		s.reply(sess, result(req.Ref, nil))
		return false
	default:
		res = result(req.Ref, protocol.Errorf(protocol.BadRequest, "unknown type %q", req.Type))
	}
	s.reply(sess, res)
	return true
}

func (s *Server) reply(sess *session, res protocol.ResultMsg) {
	b, err := json.Marshal(res)
	if err != nil {
		s.logf("ws: encode result: %v", err)
		return
	}
	select {
	case sess.replies <- b:
	default:
		s.logf("ws: client %s reply queue full; dropping %s", sess.clientID, res.Ref)
	}
}

func result(ref string, err error) protocol.ResultMsg {
	return protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		Ref:             ref,
		Code:            protocol.CodeOf(err),
		Message:         protocol.MessageOf(err),
	}
}

func closePolicy(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}
