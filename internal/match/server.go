// Package match runs lockstep matches: the readiness barrier, the RTT
// handshake, the fixed-tick loop and the broadcast of every tick to the
// clients of a room.
package match

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"voxelcombat.gg/internal/persistence/mapstore"
	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/engine"
	"voxelcombat.gg/internal/sim/mapgrid"
	"voxelcombat.gg/internal/sim/pingtimer"
	"voxelcombat.gg/internal/sim/replay"
	"voxelcombat.gg/internal/sim/tuning"
	"voxelcombat.gg/internal/sim/voxel"
)

type State int

const (
	Uninitialized State = iota
	AwaitingReady
	PingHandshake
	Running
	Paused
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case AwaitingReady:
		return "AWAITING_READY"
	case PingHandshake:
		return "PING_HANDSHAKE"
	case Running:
		return "RUNNING"
	case Paused:
		return "PAUSED"
	case Destroyed:
		return "DESTROYED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outbox delivers server messages to one client.
type Outbox interface {
	Send(clientID uuid.UUID, msg any)
}

// MapSource returns raw map files as stored by mapstore.
type MapSource interface {
	ReadBytes(id string) ([]byte, error)
}

type Config struct {
	MatchID  string
	MapID    string
	Mode     protocol.GameMode
	ServerID uuid.UUID

	// Players is the room roster without the neutral player. Clients
	// lists the players each client drives; bots belong to ServerID.
	Players []protocol.Player
	Clients []protocol.ClientPlayers

	Tuning tuning.Tuning
	Maps   MapSource
	// Playback re-runs a recorded match instead of recording a new one.
	Playback *protocol.ReplayData
	Sink     replay.Sink
	Outbox   Outbox
	Logger   *log.Logger
	// Clock is a monotonic time source for RTT samples.
	Clock func() time.Duration
	Seed  int64
}

type client struct {
	ready        bool
	disconnected bool
	rtt          pingtimer.RTT
}

// Status is a read-only view of a match for other goroutines.
type Status struct {
	MatchID string            `json:"match_id"`
	MapID   string            `json:"map_id"`
	Mode    protocol.GameMode `json:"mode"`
	State   string            `json:"state"`
	Tick    int64             `json:"tick"`
	Clients int               `json:"clients"`
	Ready   int               `json:"ready"`
	Players int               `json:"players"`
	Replay  bool              `json:"replay"`
}

type loadedMap struct {
	info protocol.MapInfo
	root []byte
	m    *mapgrid.Map
}

// Server is the state of one match. It is not safe for concurrent use:
// a Runtime calls it from a single goroutine, and worker completions are
// dispatched on that same goroutine.
type Server struct {
	cfg    Config
	state  State
	worker *Worker
	out    Outbox

	neutral protocol.Player
	players []protocol.Player
	room    protocol.Room
	drives  map[uuid.UUID][]uuid.UUID
	clients map[uuid.UUID]*client

	loading bool
	loadErr error

	engine *engine.Engine
	replay replay.Replay
	timer  *pingtimer.Timer
	bots   []*engine.Bot
	acc    time.Duration
}

type discard struct{}

func (discard) Send(uuid.UUID, any) {}

// NeutralID is the player id of the neutral player of a match.
func NeutralID(matchID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("voxelcombat/neutral/"+matchID))
}

// ReplayPlayers lists the engine indices a live match assigns: the
// neutral player first, then players in roster order.
func ReplayPlayers(matchID string, players []protocol.Player) []protocol.ReplayPlayer {
	out := make([]protocol.ReplayPlayer, 0, len(players)+1)
	out = append(out, protocol.ReplayPlayer{ID: NeutralID(matchID), Index: 0})
	for i, p := range players {
		out = append(out, protocol.ReplayPlayer{ID: p.ID, Index: i + 1})
	}
	return out
}

func NewServer(cfg Config, w *Worker) (*Server, error) {
	if cfg.MatchID == "" {
		return nil, fmt.Errorf("empty match id")
	}
	if cfg.ServerID == uuid.Nil {
		return nil, fmt.Errorf("match %s: empty server identity", cfg.MatchID)
	}
	if cfg.Maps == nil && (cfg.Playback == nil || len(cfg.Playback.Map) == 0) {
		return nil, fmt.Errorf("match %s: no map source", cfg.MatchID)
	}
	if cfg.Mode == "" {
		cfg.Mode = protocol.ModeFreeForAll
	}
	if cfg.Clock == nil {
		start := time.Now()
		cfg.Clock = func() time.Duration { return time.Since(start) }
	}
	if w == nil {
		w = NewWorker(cfg.Tuning.WorkerParallelism)
	}

	s := &Server{
		cfg:     cfg,
		state:   AwaitingReady,
		worker:  w,
		out:     cfg.Outbox,
		drives:  map[uuid.UUID][]uuid.UUID{},
		clients: map[uuid.UUID]*client{},
	}
	if s.out == nil {
		s.out = discard{}
	}
	s.neutral = protocol.Player{ID: NeutralID(cfg.MatchID), Name: "neutral", BotType: protocol.BotNeutral}
	s.players = append([]protocol.Player{s.neutral}, cfg.Players...)
	ids := make([]uuid.UUID, 0, len(s.players))
	for _, p := range s.players {
		ids = append(ids, p.ID)
	}
	s.room = protocol.Room{
		ID:      cfg.MatchID,
		Mode:    cfg.Mode,
		MapInfo: protocol.MapInfo{ID: cfg.MapID},
		Players: ids,
	}
	for _, c := range cfg.Clients {
		s.drives[c.ClientID] = append(s.drives[c.ClientID], c.Players...)
	}
	// The server identity drives the bots and never waits on the barrier.
	s.clients[cfg.ServerID] = &client{ready: true}
	return s, nil
}

func (s *Server) MatchID() string        { return s.cfg.MatchID }
func (s *Server) ServerID() uuid.UUID    { return s.cfg.ServerID }
func (s *Server) State() State           { return s.state }
func (s *Server) Room() protocol.Room    { return s.room }
func (s *Server) Worker() *Worker        { return s.worker }
func (s *Server) Engine() *engine.Engine { return s.engine }

// Tick is the number of the next tick to run.
func (s *Server) Tick() int64 {
	if s.engine == nil {
		return 0
	}
	return s.engine.CurrentTick()
}

// Drives returns the players controlled by clientID.
func (s *Server) Drives(clientID uuid.UUID) []uuid.UUID {
	return append([]uuid.UUID(nil), s.drives[clientID]...)
}

func (s *Server) Status() Status {
	st := Status{
		MatchID: s.cfg.MatchID,
		MapID:   s.cfg.MapID,
		Mode:    s.cfg.Mode,
		State:   s.state.String(),
		Tick:    s.Tick(),
		Players: len(s.room.Players),
		Replay:  s.cfg.Playback != nil,
	}
	for id, c := range s.clients {
		if id == s.cfg.ServerID || c.disconnected {
			continue
		}
		st.Clients++
		if c.ready {
			st.Ready++
		}
	}
	return st
}

// RegisterClient admits a client listed in the room. A registered client
// may register again to reconnect.
func (s *Server) RegisterClient(clientID uuid.UUID) error {
	if s.state == Destroyed {
		return protocol.Errorf(protocol.NotAllowed, "match %s destroyed", s.cfg.MatchID)
	}
	if _, ok := s.drives[clientID]; !ok {
		return protocol.Errorf(protocol.NotRegistered, "client %s not in match %s", clientID, s.cfg.MatchID)
	}
	if c, ok := s.clients[clientID]; ok {
		// Players of a client that left stay neutralised; it comes back
		// as a spectator.
		if c.disconnected && s.timer != nil {
			s.timer.Update(s.cfg.Clock())
			s.timer.Add(clientID)
			s.timer.Ping(clientID)
			if s.state == PingHandshake {
				s.out.Send(clientID, pingMsg(c.rtt))
			}
		}
		c.disconnected = false
		return nil
	}
	if s.state != AwaitingReady {
		return protocol.Errorf(protocol.AlreadyLaunched, "match %s already launched", s.cfg.MatchID)
	}
	s.clients[clientID] = &client{}
	return nil
}

// ReadyToPlay marks clientID ready. When every registered client is ready
// the map is loaded in the background and the RTT handshake starts.
func (s *Server) ReadyToPlay(clientID uuid.UUID) error {
	c, err := s.client(clientID)
	if err != nil {
		return err
	}
	if s.state != AwaitingReady {
		return protocol.Errorf(protocol.AlreadyLaunched, "match %s already launched", s.cfg.MatchID)
	}
	c.ready = true
	s.checkBarrier()
	return nil
}

func (s *Server) client(clientID uuid.UUID) (*client, error) {
	c, ok := s.clients[clientID]
	if !ok || c.disconnected {
		return nil, protocol.Errorf(protocol.NotRegistered, "client %s not registered", clientID)
	}
	return c, nil
}

func (s *Server) checkBarrier() {
	if s.state != AwaitingReady || s.loading {
		return
	}
	total, ready := 0, 0
	for id, c := range s.clients {
		if id == s.cfg.ServerID || c.disconnected {
			continue
		}
		total++
		if c.ready {
			ready++
		}
	}
	if total == 0 || ready != total {
		return
	}
	s.loading = true
	s.loadErr = nil
	Go(s.worker, s.loadMap, s.mapLoaded)
}

func (s *Server) loadMap(context.Context) (loadedMap, error) {
	if p := s.cfg.Playback; p != nil && len(p.Map) > 0 {
		m, err := mapgrid.Unmarshal(p.Map)
		if err != nil {
			return loadedMap{}, fmt.Errorf("replay %s map: %w", p.MatchID, err)
		}
		return loadedMap{info: protocol.MapInfo{ID: p.MapID}, root: p.Map, m: m}, nil
	}
	raw, err := s.cfg.Maps.ReadBytes(s.cfg.MapID)
	if err != nil {
		return loadedMap{}, err
	}
	d, err := mapstore.Decode(raw)
	if err != nil {
		return loadedMap{}, fmt.Errorf("map %s: %w", s.cfg.MapID, err)
	}
	m, err := d.Decode()
	if err != nil {
		return loadedMap{}, err
	}
	return loadedMap{info: d.Info, root: d.Root, m: m}, nil
}

func (s *Server) mapLoaded(l loadedMap, err error) {
	if s.state != AwaitingReady {
		return
	}
	s.loading = false
	if err == nil {
		err = s.launch(l)
	}
	if err != nil {
		s.loadErr = err
		s.logf("match %s: load failed: %v", s.cfg.MatchID, err)
		for id, c := range s.clients {
			if id != s.cfg.ServerID {
				c.ready = false
			}
		}
	}
}

// LoadError is the error of the last failed map load, if any.
func (s *Server) LoadError() error { return s.loadErr }

func (s *Server) launch(l loadedMap) error {
	if l.info.ID == "" {
		l.info.ID = s.cfg.MapID
	}
	if p := s.cfg.Playback; p != nil {
		e, err := replay.Restore(l.m, p.Players, s.cfg.Tuning)
		if err != nil {
			return fmt.Errorf("replay %s: %w", p.MatchID, err)
		}
		s.engine = e
		s.replay = replay.NewPlayer(*p)
	} else {
		e := engine.New(l.m, len(s.players), s.cfg.Tuning)
		abilities := engine.DefaultAbilities(l.m.Weight())
		rec := replay.NewRecorder(s.cfg.MatchID, l.info.ID, l.root, s.cfg.Tuning.SnapshotEveryTicks, s.cfg.Sink)
		for i, p := range s.players {
			if err := e.RegisterPlayer(p, i, abilities); err != nil {
				return fmt.Errorf("register %s: %w", p.ID, err)
			}
			rec.RegisterPlayer(p.ID, i)
		}
		e.CompletePlayerRegistration()
		s.engine = e
		s.replay = rec
	}
	s.room.MapInfo = l.info
	s.state = PingHandshake

	ids := s.connected()
	s.timer = pingtimer.New(ids, s.cfg.Tuning.PingIntervals)
	s.timer.Update(s.cfg.Clock())
	s.timer.PingAll()
	for _, id := range ids {
		s.out.Send(id, protocol.PingMsg{Type: protocol.TypePing, ProtocolVersion: protocol.Version})
	}
	return nil
}

// Pong records a round trip. The reply is another PING carrying the
// client's mean RTT and the largest mean across clients, until every
// client has completed its sample window.
func (s *Server) Pong(clientID uuid.UUID) error {
	c, err := s.client(clientID)
	if err != nil {
		return err
	}
	if s.timer == nil || s.state == Destroyed {
		return protocol.Errorf(protocol.NotAllowed, "match %s is not pinging", s.cfg.MatchID)
	}
	s.timer.Update(s.cfg.Clock())
	rtt, ok := s.timer.Pong(clientID, s.allReady)
	if !ok {
		return protocol.Errorf(protocol.NotAllowed, "client %s is not pinged", clientID)
	}
	c.rtt = rtt
	if s.state == PingHandshake {
		s.timer.Ping(clientID)
		s.out.Send(clientID, pingMsg(rtt))
	}
	return nil
}

func pingMsg(rtt pingtimer.RTT) protocol.PingMsg {
	return protocol.PingMsg{
		Type:            protocol.TypePing,
		ProtocolVersion: protocol.Version,
		RTTMs:           rtt.RTT.Milliseconds(),
		RTTMaxMs:        rtt.RTTMax.Milliseconds(),
	}
}

func (s *Server) allReady() {
	if s.state != PingHandshake {
		return
	}
	s.state = Running
	s.acc = 0

	players := s.engine.Players()
	if s.cfg.Playback == nil {
		submit := func(playerID uuid.UUID, cmd protocol.Cmd) error {
			err := s.submit(playerID, cmd)
			if err != nil {
				s.logf("match %s: bot %s %s unit %d: %v", s.cfg.MatchID, playerID, cmd.Code, cmd.UnitID, err)
			}
			return err
		}
		for i, p := range players {
			if p.BotType != protocol.BotSimple {
				continue
			}
			if b, ok := engine.NewBot(s.engine, p, submit, s.cfg.Seed+int64(i)); ok {
				s.bots = append(s.bots, b)
			}
		}
	}

	clients := make([]protocol.ClientPlayers, 0, len(s.cfg.Clients))
	for _, c := range s.cfg.Clients {
		clients = append(clients, protocol.ClientPlayers{ClientID: c.ClientID, Players: append([]uuid.UUID(nil), c.Players...)})
	}
	s.broadcast(protocol.ReadyToPlayAllMsg{
		Type:            protocol.TypeReadyToPlayAll,
		ProtocolVersion: protocol.Version,
		Players:         players,
		Clients:         clients,
		Abilities:       s.engine.Abilities(),
		Room:            s.room,
	})
}

// Submit forwards a client command to the engine and records it.
func (s *Server) Submit(clientID, playerID uuid.UUID, cmd protocol.Cmd) error {
	if _, err := s.client(clientID); err != nil {
		return err
	}
	switch {
	case s.engine == nil || (s.state != Running && s.state != Paused):
		return protocol.Errorf(protocol.NotAllowed, "match %s not running", s.cfg.MatchID)
	case s.state == Paused:
		return protocol.ErrPaused
	case cmd.Code == protocol.CmdLeaveRoom:
		return protocol.Errorf(protocol.NotAllowed, "leave is not a command")
	case s.cfg.Playback != nil:
		return protocol.Errorf(protocol.NotAllowed, "match %s is a replay", s.cfg.MatchID)
	case !s.controls(clientID, playerID):
		return protocol.Errorf(protocol.NotAuthorized, "client %s does not drive %s", clientID, playerID)
	}
	return s.submit(playerID, cmd)
}

func (s *Server) submit(playerID uuid.UUID, cmd protocol.Cmd) error {
	if s.state == Paused {
		return protocol.ErrPaused
	}
	if err := s.engine.Submit(playerID, cmd); err != nil {
		return err
	}
	s.replay.Record(playerID, cmd, s.engine.CurrentTick())
	return nil
}

func (s *Server) controls(clientID, playerID uuid.UUID) bool {
	for _, id := range s.drives[clientID] {
		if id == playerID {
			return true
		}
	}
	return false
}

// Update advances the sub-systems once and runs every tick whose time has
// come, at most CatchupMaxTicks per call. Time not yet spent on ticks
// carries over to the next call. It returns the number of ticks run.
func (s *Server) Update(elapsed time.Duration) int {
	if s.engine == nil || s.state == Destroyed {
		return 0
	}
	s.engine.PathFinder().Update()
	s.engine.TaskRunner().Update()
	s.engine.BotPathFinder().Update()
	s.engine.BotTaskRunner().Update()
	for _, b := range s.bots {
		b.Update()
	}
	if s.state != Running {
		return 0
	}

	step := s.cfg.Tuning.TickDuration()
	s.acc += elapsed
	n := 0
	for s.acc >= step && n < s.cfg.Tuning.CatchupMaxTicks {
		s.acc -= step
		s.step()
		n++
	}
	return n
}

func (s *Server) step() {
	tick := s.engine.CurrentTick()
	if err := s.replay.Tick(s.engine, tick); err != nil {
		s.logf("match %s tick %d: replay: %v", s.cfg.MatchID, tick, err)
	}
	bundle := s.engine.Tick().Clone()
	bundle.Tick = tick
	s.broadcast(protocol.TickMsg{Type: protocol.TypeTick, ProtocolVersion: protocol.Version, Bundle: bundle})

	// Keep RTTs fresh once a second.
	if perSecond := int64(1000 / s.cfg.Tuning.TickDurationMs); perSecond > 0 && (tick+1)%perSecond == 0 {
		s.timer.Update(s.cfg.Clock())
		for _, id := range s.connected() {
			s.timer.Ping(id)
			s.out.Send(id, pingMsg(s.clients[id].rtt))
		}
	}
}

// Pause stops or resumes tick advancement and tells every other client.
func (s *Server) Pause(clientID uuid.UUID, paused bool) error {
	if _, err := s.client(clientID); err != nil {
		return err
	}
	if s.engine == nil || (s.state != Running && s.state != Paused) {
		return protocol.Errorf(protocol.NotAllowed, "match %s not running", s.cfg.MatchID)
	}
	next := Running
	if paused {
		next = Paused
	}
	if s.state == next {
		return nil
	}
	s.state = next
	s.broadcast(protocol.PausedMsg{Type: protocol.TypePaused, ProtocolVersion: protocol.Version, Paused: paused}, clientID)
	return nil
}

// GetReplay returns everything recorded so far.
func (s *Server) GetReplay(clientID uuid.UUID) (protocol.ReplayData, error) {
	if _, err := s.client(clientID); err != nil {
		return protocol.ReplayData{}, err
	}
	if s.replay == nil {
		return protocol.ReplayData{}, protocol.Errorf(protocol.NotAllowed, "match %s not initialized", s.cfg.MatchID)
	}
	return s.replay.Save(), nil
}

// DownloadMapData reads the match map file in the background. done runs
// on the match loop; it never runs if the work is cancelled first.
func (s *Server) DownloadMapData(clientID uuid.UUID, done func([]byte, error)) {
	if _, err := s.client(clientID); err != nil {
		done(nil, err)
		return
	}
	if s.state == Destroyed {
		done(nil, protocol.Errorf(protocol.NotAllowed, "match %s destroyed", s.cfg.MatchID))
		return
	}
	Go(s.worker, s.readMapFile, done)
}

func (s *Server) readMapFile(context.Context) ([]byte, error) {
	if p := s.cfg.Playback; p != nil && len(p.Map) > 0 {
		return mapstore.Encode(mapstore.MapData{Info: s.room.MapInfo, Root: p.Map})
	}
	raw, err := s.cfg.Maps.ReadBytes(s.cfg.MapID)
	if err != nil {
		return nil, err
	}
	d, err := mapstore.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", s.cfg.MapID, err)
	}
	if _, err := d.Decode(); err != nil {
		return nil, err
	}
	return raw, nil
}

// SetClientDisconnected drops clients from the match. Only the server
// identity may disconnect clients. Their players are neutralised at the
// next tick and the leave is recorded.
func (s *Server) SetClientDisconnected(callerID uuid.UUID, disconnected []uuid.UUID) error {
	if callerID != s.cfg.ServerID {
		return protocol.Errorf(protocol.NotAuthorized, "only the server may disconnect clients")
	}
	for _, id := range disconnected {
		c, ok := s.clients[id]
		if !ok || id == s.cfg.ServerID || c.disconnected {
			continue
		}
		if s.state == AwaitingReady {
			delete(s.clients, id)
		} else {
			c.disconnected = true
		}
		if s.timer != nil {
			s.timer.Disconnected(id, s.allReady)
		}
		if s.engine != nil && s.cfg.Playback == nil && s.state != Destroyed {
			for _, pid := range s.drives[id] {
				if err := s.engine.Leave(pid); err != nil {
					continue
				}
				s.replay.Record(pid, protocol.Cmd{Code: protocol.CmdLeaveRoom, UnitID: voxel.NoUnit}, s.engine.CurrentTick())
			}
		}
	}
	s.checkBarrier()
	return nil
}

// CancelAll aborts outstanding background work; its completions never run.
func (s *Server) CancelAll() {
	s.worker.CancelAll()
	s.loading = false
}

// Destroy ends the match. Outstanding work is cancelled and the neutral
// player leaves the room.
func (s *Server) Destroy() {
	if s.state == Destroyed {
		return
	}
	s.CancelAll()
	s.state = Destroyed
	s.bots = nil
	if s.engine != nil {
		s.engine.TaskRunner().CancelAll()
		s.engine.BotTaskRunner().CancelAll()
	}
	players := s.room.Players[:0:0]
	for _, id := range s.room.Players {
		if id != s.neutral.ID {
			players = append(players, id)
		}
	}
	s.room.Players = players
}

// connected lists the clients taking part in the handshake, sorted.
func (s *Server) connected() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s.clients))
	for id, c := range s.clients {
		if id == s.cfg.ServerID || c.disconnected {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func (s *Server) broadcast(msg any, except ...uuid.UUID) {
	for _, id := range s.connected() {
		skip := false
		for _, x := range except {
			if x == id {
				skip = true
				break
			}
		}
		if !skip {
			s.out.Send(id, msg)
		}
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}
