package replay

import (
	"fmt"

	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/engine"
	"voxelcombat.gg/internal/sim/mapgrid"
	"voxelcombat.gg/internal/sim/tuning"
)

type Mismatch struct {
	Tick int64
	Want string
	Got  string
}

type Report struct {
	Ticks      int64
	Snapshots  int
	Mismatches []Mismatch
	Digest     string
}

// Verify re-runs data from its initial map and compares the engine digest
// against every recorded snapshot. It runs until the last recorded command
// or snapshot, whichever is later.
func Verify(data protocol.ReplayData, tu tuning.Tuning) (Report, error) {
	var rep Report
	m, err := mapgrid.Unmarshal(data.Map)
	if err != nil {
		return rep, fmt.Errorf("replay %s: %w", data.MatchID, err)
	}
	e, err := Restore(m, data.Players, tu)
	if err != nil {
		return rep, fmt.Errorf("replay %s: %w", data.MatchID, err)
	}

	last := int64(-1)
	for _, c := range data.Commands {
		if c.Tick > last {
			last = c.Tick
		}
	}
	snaps := map[int64]string{}
	for _, s := range data.Snapshots {
		snaps[s.Tick] = s.Digest
		if s.Tick > last {
			last = s.Tick
		}
	}

	p := NewPlayer(data)
	for tick := int64(0); tick <= last; tick++ {
		if want, ok := snaps[tick]; ok {
			rep.Snapshots++
			if got := e.Digest(); got != want {
				rep.Mismatches = append(rep.Mismatches, Mismatch{Tick: tick, Want: want, Got: got})
			}
		}
		if err := p.Tick(e, tick); err != nil {
			return rep, fmt.Errorf("replay %s tick %d: %w", data.MatchID, tick, err)
		}
		e.Tick()
		rep.Ticks++
	}
	rep.Digest = e.Digest()
	return rep, nil
}

// Restore builds an engine over m with the recorded players registered
// at their indices.
func Restore(m *mapgrid.Map, players []protocol.ReplayPlayer, tu tuning.Tuning) (*engine.Engine, error) {
	e := engine.New(m, len(players), tu)
	abilities := engine.DefaultAbilities(m.Weight())
	for _, p := range players {
		if err := e.RegisterPlayer(protocol.Player{ID: p.ID, BotType: protocol.BotReplay}, p.Index, abilities); err != nil {
			return nil, err
		}
	}
	e.CompletePlayerRegistration()
	return e, nil
}

// VerifyTicks re-runs the commands of a tick log over the initial map of
// data and compares the digest of every logged tick. Entries must be in
// tick order starting at tick 0; a gap is an error.
func VerifyTicks(data protocol.ReplayData, entries []TickEntry, tu tuning.Tuning) (Report, error) {
	var rep Report
	m, err := mapgrid.Unmarshal(data.Map)
	if err != nil {
		return rep, fmt.Errorf("replay %s: %w", data.MatchID, err)
	}
	e, err := Restore(m, data.Players, tu)
	if err != nil {
		return rep, fmt.Errorf("replay %s: %w", data.MatchID, err)
	}

	logged := data
	logged.Commands = nil
	for _, entry := range entries {
		logged.Commands = append(logged.Commands, entry.Commands...)
	}
	p := NewPlayer(logged)
	for i, entry := range entries {
		if entry.Tick != int64(i) {
			return rep, fmt.Errorf("tick log gap: want tick %d, got %d", i, entry.Tick)
		}
		if got := e.Digest(); got != entry.Digest {
			rep.Mismatches = append(rep.Mismatches, Mismatch{Tick: entry.Tick, Want: entry.Digest, Got: got})
		}
		if err := p.Tick(e, entry.Tick); err != nil {
			return rep, fmt.Errorf("replay %s tick %d: %w", data.MatchID, entry.Tick, err)
		}
		e.Tick()
		rep.Ticks++
	}
	rep.Digest = e.Digest()
	return rep, nil
}
