package engine

import (
	"sort"

	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/mapgrid"
	"voxelcombat.gg/internal/sim/voxel"
)

func (e *Engine) apply(pc protocol.PlayerCmd) error {
	u, ok := e.units[pc.Cmd.UnitID]
	if !ok {
		return protocol.Errorf(protocol.NotFound, "unit %d", pc.Cmd.UnitID)
	}
	d := e.m.Voxel(u.Ref)
	if d.Owner != pc.PlayerIndex {
		return protocol.Errorf(protocol.NotAuthorized, "unit %d changed owner", u.ID)
	}
	if d.State == voxel.Dead || d.IsCollapsed() {
		return protocol.Errorf(protocol.NotAllowed, "unit %d is dead", u.ID)
	}

	switch pc.Cmd.Code {
	case protocol.CmdMove:
		return e.move(u, d, pc.Cmd.Payload.Row, pc.Cmd.Payload.Col)
	case protocol.CmdGrow:
		return e.grow(u, d)
	case protocol.CmdSplit:
		return e.split(u, d)
	case protocol.CmdConvert:
		return e.convert(d, voxel.Type(pc.Cmd.Payload.Type))
	case protocol.CmdCancel:
		e.stop(u)
		d.State = voxel.Idle
		return nil
	default:
		return protocol.Errorf(protocol.BadRequest, "unknown command %q", pc.Cmd.Code)
	}
}

func (e *Engine) move(u *Unit, d *voxel.Data, row, col int) error {
	if !d.Type.IsControllable() {
		return protocol.Errorf(protocol.NotAllowed, "%s units cannot move", d.Type)
	}
	size := e.m.Size(d.Weight)
	if row < 0 || col < 0 || row >= size || col >= size {
		return protocol.Errorf(protocol.BadRequest, "(%d,%d) outside %dx%d grid", row, col, size, size)
	}
	e.stop(u)
	goal := mapgrid.Pos{Row: row, Col: col}
	u.goal = &goal
	u.waiting = true
	d.State = voxel.SearchingPath
	e.pathFinderFor(d.Owner).Find(PathRequest{
		UnitID: u.ID,
		From:   e.m.Position(u.Ref.Cell),
		To:     goal,
		Weight: d.Weight,
		Type:   d.Type,
		Owner:  d.Owner,
	})
	return nil
}

func (e *Engine) grow(u *Unit, d *voxel.Data) error {
	a, ok := e.abilities(d.Owner, d.Type)
	if !ok {
		return protocol.Errorf(protocol.NotAllowed, "no abilities for %s", d.Type)
	}
	if d.Height() >= a.MaxHeight {
		return protocol.Errorf(protocol.NotAllowed, "unit %d at max height", u.ID)
	}
	col := e.m.Column(u.Ref.Cell)
	if col.Next(u.Ref.Slot) != voxel.Nil {
		return protocol.Errorf(protocol.NotAllowed, "unit %d is covered", u.ID)
	}
	d.SetHeight(d.Height() + 1)
	return nil
}

// split replaces the unit by four units one weight lower, one in each
// child cell, at the same altitude.
func (e *Engine) split(u *Unit, d *voxel.Data) error {
	a, ok := e.abilities(d.Owner, d.Type)
	if !ok {
		return protocol.Errorf(protocol.NotAllowed, "no abilities for %s", d.Type)
	}
	if d.Weight <= a.MinWeight || e.m.IsLeaf(u.Ref.Cell) {
		return protocol.Errorf(protocol.NotAllowed, "unit %d cannot split below weight %d", u.ID, d.Weight)
	}
	cell := u.Ref.Cell
	removed := e.m.Remove(u.Ref)
	e.stop(u)
	delete(e.units, u.ID)
	e.destroyed = append(e.destroyed, u.ID)

	for i := 0; i < 4; i++ {
		child := e.m.Child(cell, i)
		nd := voxel.New(removed.Type, removed.Weight-1, removed.Height(), removed.Altitude, removed.Owner)
		nd.Dir = removed.Dir
		nd.Health = removed.Health
		ref := e.m.Place(child, nd)
		nu := e.index(ref)
		e.step(nu, e.m.Voxel(ref))
	}
	return nil
}

func (e *Engine) convert(d *voxel.Data, t voxel.Type) error {
	if !d.Type.IsControllable() || !t.IsControllable() {
		return protocol.Errorf(protocol.NotAllowed, "cannot convert %s to %s", d.Type, t)
	}
	if d.Type == t {
		return nil
	}
	if _, ok := e.abilities(d.Owner, t); !ok {
		return protocol.Errorf(protocol.NotAllowed, "no abilities for %s", t)
	}
	d.Type = t
	return nil
}

func (e *Engine) stop(u *Unit) {
	if u.waiting {
		e.paths.Cancel(u.ID)
		e.botPaths.Cancel(u.ID)
	}
	u.path = nil
	u.goal = nil
	u.waiting = false
}

func (e *Engine) pathFinderFor(owner int) *PathFinder {
	if e.isBot(owner) {
		return e.botPaths
	}
	return e.paths
}

func (e *Engine) applyPaths(results []PathResult) {
	for _, r := range results {
		u, ok := e.units[r.UnitID]
		if !ok || !u.waiting {
			continue
		}
		u.waiting = false
		d := e.m.Voxel(u.Ref)
		if len(r.Path) == 0 {
			u.goal = nil
			d.State = voxel.Idle
			continue
		}
		u.path = r.Path
		d.State = voxel.Moving
	}
}

// advance moves every unit with a path one cell, in unit id order.
func (e *Engine) advance() {
	ids := make([]int64, 0, len(e.units))
	for id, u := range e.units {
		if len(u.path) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		u, ok := e.units[id]
		if !ok || len(u.path) == 0 {
			continue
		}
		next := u.path[0]
		if !e.stepTo(u, next) {
			u.path = nil
			u.goal = nil
			if d, ok := e.Unit(id); ok {
				d.State = voxel.Idle
			}
			continue
		}
		if u, ok := e.units[id]; ok {
			u.path = u.path[1:]
			if len(u.path) == 0 {
				u.goal = nil
				e.m.Voxel(u.Ref).State = voxel.Idle
			}
		}
	}
}

// stepTo moves u into the neighbour cell at pos. It returns false when
// the unit could not enter the cell; the unit may have died on the way.
func (e *Engine) stepTo(u *Unit, pos mapgrid.Pos) bool {
	d := e.m.Voxel(u.Ref)
	dest, err := e.m.Get(pos.Row, pos.Col, d.Weight)
	if err != nil {
		return false
	}
	t, w, owner := d.Type, d.Weight, d.Owner

	beneath, target := e.m.DefaultTargetFor(dest, t, w, owner, false, owner)
	if !beneath.Valid() {
		return false
	}
	if target.Valid() {
		td := e.m.Voxel(target)
		switch {
		case td.IsExplodableBy(t, w):
			e.destroy(target)
			e.destroy(u.Ref)
			return false
		case td.IsCollapsableBy(t, w):
			td.SetCollapsed(true)
			td.State = voxel.Dead
			if td.UnitID != voxel.NoUnit {
				e.removeUnit(td.UnitID)
			}
		default:
			e.destroy(target)
			e.feed(d)
		}
		beneath, target = e.m.DefaultTargetFor(dest, t, w, owner, false, owner)
		if !beneath.Valid() || target.Valid() {
			return false
		}
	}

	from := e.m.Position(u.Ref.Cell)
	moved, _ := e.m.Destroy(u.Ref)
	moved.Altitude = e.m.Voxel(beneath).Top()
	moved.Dir = voxel.DirFor(moved.Dir, pos.Row-from.Row, pos.Col-from.Col)
	u.Ref = e.m.Place(dest, moved)
	e.step(u, e.m.Voxel(u.Ref))
	return true
}

func (e *Engine) feed(d *voxel.Data) {
	max := defaultMaxHealth
	if a, ok := e.abilities(d.Owner, d.Type); ok {
		max = a.MaxHealth
	}
	if d.Health < max {
		d.Health++
	}
}

func (e *Engine) step(u *Unit, d *voxel.Data) {
	p := e.m.Position(u.Ref.Cell)
	e.steps = append(e.steps, protocol.UnitStep{
		UnitID:   u.ID,
		Row:      p.Row,
		Col:      p.Col,
		Altitude: d.Altitude,
		Dir:      d.Dir,
	})
}
