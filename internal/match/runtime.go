package match

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/tuning"
)

const defaultOutBuffer = 1024

// Runtime owns one Server and drives it from a single goroutine: requests
// posted by transports, worker completions and the frame ticker are all
// handled in Run's select loop.
type Runtime struct {
	srv    *Server
	worker *Worker
	logger *log.Logger
	tuning tuning.Tuning
	frame  time.Duration

	inbox chan func()
	done  chan struct{}

	// Owned by the loop goroutine.
	sessions  map[uuid.UUID]chan []byte
	slow      []uuid.UUID
	observers map[uint64]*observer
	nextObs   uint64
	stoppers  []func(*Server)
	closers   []func() error
	proxies   Materialized

	status atomic.Pointer[Status]
}

// NewRuntime builds the match server for cfg. cfg.Outbox is replaced by
// the runtime's session table.
func NewRuntime(cfg Config) (*Runtime, error) {
	w := NewWorker(cfg.Tuning.WorkerParallelism)
	r := &Runtime{
		worker:    w,
		logger:    cfg.Logger,
		tuning:    cfg.Tuning,
		frame:     cfg.Tuning.FrameDuration(),
		inbox:     make(chan func(), 1024),
		done:      make(chan struct{}),
		sessions:  map[uuid.UUID]chan []byte{},
		observers: map[uint64]*observer{},
	}
	if r.frame <= 0 {
		r.frame = 16 * time.Millisecond
	}
	cfg.Outbox = r
	srv, err := NewServer(cfg, w)
	if err != nil {
		return nil, err
	}
	r.srv = srv
	r.publish()
	return r, nil
}

// OnClose registers fn to run after the loop stops, in registration order.
func (r *Runtime) OnClose(fn func() error) { r.closers = append(r.closers, fn) }

// OnStop registers fn to run on the loop before the match is destroyed.
func (r *Runtime) OnStop(fn func(*Server)) { r.stoppers = append(r.stoppers, fn) }

func (r *Runtime) MatchID() string       { return r.srv.MatchID() }
func (r *Runtime) Tuning() tuning.Tuning { return r.tuning }

// Status is the last published view of the match.
func (r *Runtime) Status() Status { return *r.status.Load() }

func (r *Runtime) Run(ctx context.Context) error {
	defer close(r.done)
	ticker := time.NewTicker(r.frame)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case fn := <-r.inbox:
			fn()
		case c := <-r.worker.Completions():
			r.worker.Dispatch(c)
		case now := <-ticker.C:
			if r.srv.Update(now.Sub(last)) > 0 {
				r.streamTicks()
			}
			last = now
		}
		r.dropSlow()
		r.publish()
	}
}

func (r *Runtime) shutdown() {
	for _, fn := range r.stoppers {
		fn(r.srv)
	}
	r.srv.Destroy()
	for id, ch := range r.sessions {
		close(ch)
		delete(r.sessions, id)
	}
	for id, o := range r.observers {
		close(o.out)
		delete(r.observers, id)
	}
	r.worker.Close()
	r.publish()
	for _, fn := range r.closers {
		if err := fn(); err != nil {
			r.logf("match %s: close: %v", r.srv.MatchID(), err)
		}
	}
}

func (r *Runtime) publish() {
	st := r.srv.Status()
	r.status.Store(&st)
}

// Call runs fn on the loop goroutine and waits for its result.
func (r *Runtime) Call(ctx context.Context, fn func(*Server) error) error {
	errc := make(chan error, 1)
	select {
	case r.inbox <- func() { errc <- fn(r.srv) }:
	case <-r.done:
		return r.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-r.done:
		return r.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues fn without waiting. It reports false when the inbox is full
// or the loop has stopped.
func (r *Runtime) Post(fn func(*Server)) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.inbox <- func() { fn(r.srv) }:
		return true
	default:
		return false
	}
}

func (r *Runtime) closedErr() error {
	return protocol.Errorf(protocol.NotAllowed, "match %s stopped", r.srv.MatchID())
}

// Attach registers clientID with the match and returns the channel its
// messages are written to. A previous connection of the same client is
// closed.
func (r *Runtime) Attach(ctx context.Context, clientID uuid.UUID) (<-chan []byte, []uuid.UUID, error) {
	out := make(chan []byte, defaultOutBuffer)
	var drives []uuid.UUID
	err := r.Call(ctx, func(s *Server) error {
		// The session is in place before registering so a reconnect PING
		// reaches it.
		old, hadOld := r.sessions[clientID]
		r.sessions[clientID] = out
		if err := s.RegisterClient(clientID); err != nil {
			if hadOld {
				r.sessions[clientID] = old
			} else {
				delete(r.sessions, clientID)
			}
			return err
		}
		if hadOld {
			close(old)
		}
		drives = s.Drives(clientID)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, drives, nil
}

// Detach ends the connection that owns out. The client is disconnected
// from the match unless it has already reconnected.
func (r *Runtime) Detach(clientID uuid.UUID, out <-chan []byte) {
	r.Post(func(s *Server) {
		cur, ok := r.sessions[clientID]
		if !ok || (<-chan []byte)(cur) != out {
			return
		}
		delete(r.sessions, clientID)
		close(cur)
		if err := s.SetClientDisconnected(s.ServerID(), []uuid.UUID{clientID}); err != nil {
			r.logf("match %s: disconnect %s: %v", s.MatchID(), clientID, err)
		}
	})
}

// DownloadMapData waits for the match to read its map file.
func (r *Runtime) DownloadMapData(ctx context.Context, clientID uuid.UUID) ([]byte, error) {
	type result struct {
		b   []byte
		err error
	}
	resc := make(chan result, 1)
	if err := r.Call(ctx, func(s *Server) error {
		s.DownloadMapData(clientID, func(b []byte, err error) { resc <- result{b, err} })
		return nil
	}); err != nil {
		return nil, err
	}
	select {
	case res := <-resc:
		return res.b, res.err
	case <-r.done:
		return nil, r.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send implements Outbox for the server. A client whose buffer is full is
// disconnected after the current loop iteration.
func (r *Runtime) Send(clientID uuid.UUID, msg any) {
	ch, ok := r.sessions[clientID]
	if !ok {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		r.logf("match %s: encode %T: %v", r.srv.MatchID(), msg, err)
		return
	}
	select {
	case ch <- b:
	default:
		r.slow = append(r.slow, clientID)
	}
}

func (r *Runtime) dropSlow() {
	if len(r.slow) == 0 {
		return
	}
	slow := r.slow
	r.slow = nil
	for _, id := range slow {
		ch, ok := r.sessions[id]
		if !ok {
			continue
		}
		r.logf("match %s: client %s too slow; disconnecting", r.srv.MatchID(), id)
		delete(r.sessions, id)
		close(ch)
		_ = r.srv.SetClientDisconnected(r.srv.ServerID(), []uuid.UUID{id})
	}
}

func (r *Runtime) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
