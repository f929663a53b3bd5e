// Package replay records the commands of a match and plays them back.
package replay

import (
	"github.com/google/uuid"

	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/engine"
)

// TickEntry is what a sink receives once per tick: the commands recorded
// for the tick and the engine digest before the tick ran.
type TickEntry struct {
	MatchID  string               `json:"match_id"`
	Tick     int64                `json:"tick"`
	Digest   string               `json:"digest"`
	Commands []protocol.ReplayCmd `json:"commands"`
}

type Sink interface {
	WriteTick(e TickEntry) error
	WriteSnapshot(matchID string, s protocol.ReplaySnapshot) error
}

// Tee fans every write out to sinks in order. All sinks are written; the
// first error is returned.
func Tee(sinks ...Sink) Sink {
	var out tee
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type tee []Sink

func (t tee) WriteTick(e TickEntry) error {
	var first error
	for _, s := range t {
		if err := s.WriteTick(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t tee) WriteSnapshot(matchID string, snap protocol.ReplaySnapshot) error {
	var first error
	for _, s := range t {
		if err := s.WriteSnapshot(matchID, snap); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Replay is what the match server drives: a Recorder while a match is
// played live, a Player when a recorded match is re-run.
type Replay interface {
	RegisterPlayer(id uuid.UUID, index int)
	Record(playerID uuid.UUID, cmd protocol.Cmd, tick int64)
	Tick(e *engine.Engine, tick int64) error
	Save() protocol.ReplayData
}

type Recorder struct {
	data          protocol.ReplayData
	snapshotEvery int64
	sink          Sink

	lastTick int64
	pending  []protocol.ReplayCmd
}

// NewRecorder records a match played on mapBytes. A snapshot with the full
// map is kept every snapshotEvery ticks; 0 disables them. sink may be nil.
func NewRecorder(matchID, mapID string, mapBytes []byte, snapshotEvery int, sink Sink) *Recorder {
	return &Recorder{
		data: protocol.ReplayData{
			MatchID:  matchID,
			MapID:    mapID,
			Map:      mapBytes,
			Commands: []protocol.ReplayCmd{},
		},
		snapshotEvery: int64(snapshotEvery),
		sink:          sink,
		lastTick:      -1,
	}
}

func (r *Recorder) RegisterPlayer(id uuid.UUID, index int) {
	for _, p := range r.data.Players {
		if p.ID == id {
			return
		}
	}
	r.data.Players = append(r.data.Players, protocol.ReplayPlayer{ID: id, Index: index})
}

func (r *Recorder) Record(playerID uuid.UUID, cmd protocol.Cmd, tick int64) {
	c := protocol.ReplayCmd{Tick: tick, PlayerID: playerID, Cmd: cmd}
	r.data.Commands = append(r.data.Commands, c)
	r.pending = append(r.pending, c)
}

// Tick runs once per tick before the engine advances. Repeated calls for a
// tick that was already seen do nothing.
func (r *Recorder) Tick(e *engine.Engine, tick int64) error {
	if tick <= r.lastTick {
		return nil
	}
	r.lastTick = tick

	entry := TickEntry{MatchID: r.data.MatchID, Tick: tick, Digest: e.Digest(), Commands: r.pending}
	r.pending = nil

	var snapErr error
	if r.snapshotEvery > 0 && tick%r.snapshotEvery == 0 {
		s, err := e.Snapshot(tick, true)
		if err != nil {
			snapErr = err
		} else {
			r.data.Snapshots = append(r.data.Snapshots, s)
			if r.sink != nil {
				snapErr = r.sink.WriteSnapshot(r.data.MatchID, s)
			}
		}
	}
	if r.sink != nil {
		if err := r.sink.WriteTick(entry); err != nil {
			return err
		}
	}
	return snapErr
}

// Save returns a copy of everything recorded so far.
func (r *Recorder) Save() protocol.ReplayData {
	out := r.data
	out.Players = append([]protocol.ReplayPlayer(nil), r.data.Players...)
	out.Commands = append([]protocol.ReplayCmd{}, r.data.Commands...)
	out.Snapshots = append([]protocol.ReplaySnapshot(nil), r.data.Snapshots...)
	return out
}

// Player feeds recorded commands back into an engine.
type Player struct {
	data     protocol.ReplayData
	cursor   int
	lastTick int64
}

func NewPlayer(data protocol.ReplayData) *Player {
	return &Player{data: data, lastTick: -1}
}

func (p *Player) RegisterPlayer(uuid.UUID, int) {}

func (p *Player) Record(uuid.UUID, protocol.Cmd, int64) {}

// Tick submits the commands recorded for tick. Leave commands go through
// the engine's leave path.
func (p *Player) Tick(e *engine.Engine, tick int64) error {
	if tick <= p.lastTick {
		return nil
	}
	p.lastTick = tick
	for p.cursor < len(p.data.Commands) && p.data.Commands[p.cursor].Tick <= tick {
		c := p.data.Commands[p.cursor]
		p.cursor++
		if c.Tick < tick {
			continue
		}
		var err error
		if c.Cmd.Code == protocol.CmdLeaveRoom {
			err = e.Leave(c.PlayerID)
		} else {
			err = e.Submit(c.PlayerID, c.Cmd)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Player) Done() bool { return p.cursor >= len(p.data.Commands) }

func (p *Player) Save() protocol.ReplayData { return p.data }
