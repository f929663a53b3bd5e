// Package engine runs the match simulation over a mapgrid.Map. It is not
// safe for concurrent use; the match server drives it from one goroutine.
package engine

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/mapgrid"
	"voxelcombat.gg/internal/sim/tasks"
	"voxelcombat.gg/internal/sim/tuning"
	"voxelcombat.gg/internal/sim/voxel"
)

const (
	defaultMaxHeight = 8
	defaultMaxHealth = 8
)

type Unit struct {
	ID  int64
	Ref mapgrid.Ref

	path    []mapgrid.Pos
	goal    *mapgrid.Pos
	waiting bool
}

type player struct {
	info      protocol.Player
	index     int
	abilities []protocol.VoxelAbilities
}

type Engine struct {
	m            *mapgrid.Map
	playersCount int
	tuning       tuning.Tuning

	players []*player
	byID    map[uuid.UUID]*player

	units    map[int64]*Unit
	nextUnit int64

	queue  []protocol.PlayerCmd
	leaves []protocol.PlayerCmd

	steps     []protocol.UnitStep
	destroyed []int64

	paths    *PathFinder
	botPaths *PathFinder
	tasks    *tasks.Runner
	botTasks *tasks.Runner

	tick       int64
	registered bool
}

// New wraps m. playersCount is the final room size including the neutral
// player; nodes owned by higher indices are swept on registration.
func New(m *mapgrid.Map, playersCount int, tu tuning.Tuning) *Engine {
	e := &Engine{
		m:            m,
		playersCount: playersCount,
		tuning:       tu,
		byID:         map[uuid.UUID]*player{},
		units:        map[int64]*Unit{},
		nextUnit:     1,
	}
	e.paths = NewPathFinder(m, tu.PathRequestsPerUpdate, tu.PathMaxNodes)
	e.botPaths = NewPathFinder(m, tu.PathRequestsPerUpdate, tu.PathMaxNodes)
	e.tasks = tasks.NewRunner(e, tu.TasksPerUpdate)
	e.botTasks = tasks.NewRunner(e, tu.TasksPerUpdate)
	return e
}

// DefaultAbilities gives every known voxel type the full weight range of
// the map.
func DefaultAbilities(mapWeight int) []protocol.VoxelAbilities {
	out := make([]protocol.VoxelAbilities, 0, len(voxel.KnownTypes))
	for _, t := range voxel.KnownTypes {
		out = append(out, protocol.VoxelAbilities{
			Type:      int(t),
			MinWeight: 0,
			MaxWeight: mapWeight,
			MaxHeight: defaultMaxHeight,
			MaxHealth: defaultMaxHealth,
		})
	}
	return out
}

func (e *Engine) Map() *mapgrid.Map { return e.m }

func (e *Engine) CurrentTick() int64 { return e.tick }

func (e *Engine) PlayersCount() int { return e.playersCount }

func (e *Engine) PathFinder() *PathFinder      { return e.paths }
func (e *Engine) BotPathFinder() *PathFinder   { return e.botPaths }
func (e *Engine) TaskRunner() *tasks.Runner    { return e.tasks }
func (e *Engine) BotTaskRunner() *tasks.Runner { return e.botTasks }

// RegisterPlayer binds a player to its owner index.
func (e *Engine) RegisterPlayer(p protocol.Player, index int, abilities []protocol.VoxelAbilities) error {
	if e.registered {
		return protocol.Errorf(protocol.AlreadyLaunched, "player registration completed")
	}
	if index < 0 || index >= e.playersCount {
		return protocol.Errorf(protocol.NotAllowed, "player index %d outside [0,%d)", index, e.playersCount)
	}
	if _, ok := e.byID[p.ID]; ok {
		return protocol.Errorf(protocol.AlreadyLaunched, "player %s already registered", p.ID)
	}
	for _, other := range e.players {
		if other.index == index {
			return protocol.Errorf(protocol.AlreadyLaunched, "player index %d taken", index)
		}
	}
	pl := &player{info: p, index: index, abilities: abilities}
	e.players = append(e.players, pl)
	e.byID[p.ID] = pl
	sort.Slice(e.players, func(i, j int) bool { return e.players[i].index < e.players[j].index })
	return nil
}

// CompletePlayerRegistration sweeps nodes of absent players and indexes
// every unit node. Nodes that already carry a unit id keep it.
func (e *Engine) CompletePlayerRegistration() {
	if e.registered {
		return
	}
	e.registered = true
	e.m.DestroyExtraPlayers(e.playersCount)
	e.m.DrainAltitudeChanges()
	e.m.DrainTouched()

	var fresh []mapgrid.Ref
	e.m.ForEach(func(id mapgrid.CellID) {
		e.m.Column(id).ForEach(func(s voxel.Slot, d *voxel.Data) bool {
			if !d.Type.IsUnit() || d.IsCollapsed() || d.State == voxel.Dead {
				return true
			}
			ref := mapgrid.Ref{Cell: id, Slot: s}
			if d.UnitID == voxel.NoUnit {
				fresh = append(fresh, ref)
				return true
			}
			e.units[d.UnitID] = &Unit{ID: d.UnitID, Ref: ref}
			if d.UnitID >= e.nextUnit {
				e.nextUnit = d.UnitID + 1
			}
			return true
		})
	})
	for _, ref := range fresh {
		e.index(ref)
	}
}

func (e *Engine) index(ref mapgrid.Ref) *Unit {
	id := e.nextUnit
	e.nextUnit++
	e.m.Voxel(ref).UnitID = id
	u := &Unit{ID: id, Ref: ref}
	e.units[id] = u
	return u
}

func (e *Engine) Registered() bool { return e.registered }

// Players returns the registered players ordered by index.
func (e *Engine) Players() []protocol.Player {
	out := make([]protocol.Player, 0, len(e.players))
	for _, p := range e.players {
		out = append(out, p.info)
	}
	return out
}

// Abilities returns the abilities of every registered player ordered by
// index.
func (e *Engine) Abilities() [][]protocol.VoxelAbilities {
	out := make([][]protocol.VoxelAbilities, 0, len(e.players))
	for _, p := range e.players {
		out = append(out, append([]protocol.VoxelAbilities(nil), p.abilities...))
	}
	return out
}

func (e *Engine) PlayerIndex(id uuid.UUID) (int, bool) {
	p, ok := e.byID[id]
	if !ok {
		return 0, false
	}
	return p.index, true
}

// Unit returns the live node of a unit.
func (e *Engine) Unit(id int64) (*voxel.Data, bool) {
	u, ok := e.units[id]
	if !ok {
		return nil, false
	}
	return e.m.Voxel(u.Ref), true
}

// UnitIDs returns the units owned by a player index in ascending order.
func (e *Engine) UnitIDs(owner int) []int64 {
	var out []int64
	for id, u := range e.units {
		if e.m.Voxel(u.Ref).Owner == owner {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Submit validates cmd structurally and queues it for the next tick.
func (e *Engine) Submit(playerID uuid.UUID, cmd protocol.Cmd) error {
	p, ok := e.byID[playerID]
	if !ok {
		return protocol.Errorf(protocol.NotRegistered, "player %s not registered", playerID)
	}
	switch cmd.Code {
	case protocol.CmdMove, protocol.CmdGrow, protocol.CmdSplit, protocol.CmdConvert, protocol.CmdCancel:
	case protocol.CmdLeaveRoom:
		return protocol.Errorf(protocol.NotAllowed, "leave room is not a unit command")
	default:
		return protocol.Errorf(protocol.BadRequest, "unknown command %q", cmd.Code)
	}
	u, ok := e.units[cmd.UnitID]
	if !ok {
		return protocol.Errorf(protocol.NotFound, "unit %d", cmd.UnitID)
	}
	if e.m.Voxel(u.Ref).Owner != p.index {
		return protocol.Errorf(protocol.NotAuthorized, "unit %d not owned by %s", cmd.UnitID, playerID)
	}
	e.queue = append(e.queue, protocol.PlayerCmd{PlayerID: playerID, PlayerIndex: p.index, Cmd: cmd, Code: protocol.OK})
	return nil
}

// Leave queues the neutralisation of every unit of the player. It takes
// effect at the start of the next tick.
func (e *Engine) Leave(playerID uuid.UUID) error {
	p, ok := e.byID[playerID]
	if !ok {
		return protocol.Errorf(protocol.NotRegistered, "player %s not registered", playerID)
	}
	if p.index == voxel.NeutralOwner {
		return protocol.Errorf(protocol.NotAllowed, "neutral player cannot leave")
	}
	e.leaves = append(e.leaves, protocol.PlayerCmd{
		PlayerID:    playerID,
		PlayerIndex: p.index,
		Cmd:         protocol.Cmd{Code: protocol.CmdLeaveRoom, UnitID: voxel.NoUnit},
		Code:        protocol.OK,
	})
	return nil
}

// Tick resolves finished path requests, applies queued leaves and
// commands in arrival order, advances moving units one cell and returns
// the bundle for the tick.
func (e *Engine) Tick() protocol.CommandsBundle {
	if !e.registered {
		panic("engine: Tick before CompletePlayerRegistration")
	}
	e.paths.Flush()
	e.botPaths.Flush()
	e.applyPaths(e.paths.Drain())
	e.applyPaths(e.botPaths.Drain())

	bundle := protocol.CommandsBundle{Tick: e.tick, Commands: make([]protocol.PlayerCmd, 0, len(e.leaves)+len(e.queue))}
	for _, l := range e.leaves {
		e.neutralise(l.PlayerIndex)
		bundle.Commands = append(bundle.Commands, l)
	}
	e.leaves = e.leaves[:0]

	for _, pc := range e.queue {
		pc.Code = protocol.CodeOf(e.apply(pc))
		if u, ok := e.units[pc.Cmd.UnitID]; ok && pc.Code == protocol.OK {
			e.m.Touch(u.Ref.Cell)
		}
		bundle.Commands = append(bundle.Commands, pc)
	}
	e.queue = e.queue[:0]

	e.advance()

	bundle.Steps = e.steps
	bundle.Destroyed = e.destroyed
	e.steps = nil
	e.destroyed = nil
	e.tick++
	return bundle
}

func (e *Engine) neutralise(index int) {
	for _, id := range e.UnitIDs(index) {
		u := e.units[id]
		d := e.m.Voxel(u.Ref)
		d.Owner = voxel.NeutralOwner
		d.State = voxel.Idle
		e.stop(u)
		e.m.Touch(u.Ref.Cell)
	}
}

func (e *Engine) abilities(owner int, t voxel.Type) (protocol.VoxelAbilities, bool) {
	for _, p := range e.players {
		if p.index != owner {
			continue
		}
		for _, a := range p.abilities {
			if a.Type == int(t) {
				return a, true
			}
		}
	}
	return protocol.VoxelAbilities{}, false
}

func (e *Engine) isBot(owner int) bool {
	for _, p := range e.players {
		if p.index == owner {
			return p.info.IsBot()
		}
	}
	return false
}

// removeUnit drops a unit from the index after its node is gone.
func (e *Engine) removeUnit(id int64) {
	if id == voxel.NoUnit {
		return
	}
	if _, ok := e.units[id]; !ok {
		return
	}
	e.paths.Cancel(id)
	e.botPaths.Cancel(id)
	delete(e.units, id)
	e.destroyed = append(e.destroyed, id)
}

func (e *Engine) destroy(ref mapgrid.Ref) voxel.Data {
	d, _ := e.m.Destroy(ref)
	e.removeUnit(d.UnitID)
	return d
}

func (e *Engine) String() string {
	return fmt.Sprintf("engine(tick=%d players=%d units=%d)", e.tick, len(e.players), len(e.units))
}
