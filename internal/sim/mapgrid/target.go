package mapgrid

import "voxelcombat.gg/internal/sim/voxel"

// DefaultTargetFor resolves where a node of the given type, weight and owner
// lands when placed in cell id. It walks the cell and then its ancestors and
// returns beneath, the node to stand on (NoRef when placement is blocked or
// no base exists), and target, the node that gets destroyed or collapsed by
// the placement (NoRef for none). Nodes owned by exceptOwners are never
// targets.
//
// With lowestPossible the walk stops at the first level that yields both a
// base and a target. A base lying below a non-interacting obstruction that
// is not the target blocks the placement entirely.
func (m *Map) DefaultTargetFor(id CellID, t voxel.Type, weight, owner int, lowestPossible bool, exceptOwners ...int) (beneath, target Ref) {
	target = NoRef
	nonDestroyable := NoRef
	for cell := id; ; {
		beneath = NoRef
		col := &m.cells[cell].Column
		for s := col.Head(); s != voxel.Nil; s = col.Next(s) {
			d := col.At(s)
			if d.IsCollapsed() {
				continue
			}
			ref := Ref{Cell: cell, Slot: s}
			found := d.IsTargetFor(t, weight, owner) && !containsOwner(exceptOwners, d.Owner)

			switch {
			case !lowestPossible || !found:
				if isLanding(d, t, weight) {
					beneath = ref
				} else {
					nonDestroyable = ref
				}
			case target.Valid():
				if isLanding(m.Voxel(target), t, weight) {
					beneath = target
				} else {
					nonDestroyable = target
				}
			}

			if found {
				target = ref
				if lowestPossible && beneath.Valid() {
					if target == beneath {
						beneath = NoRef
					}
					break
				}
			}
		}

		if beneath.Valid() {
			if nonDestroyable.Valid() && nonDestroyable != target &&
				m.Voxel(beneath).Altitude < m.Voxel(nonDestroyable).Altitude {
				return NoRef, target
			}
			return beneath, target
		}

		cell = m.cells[cell].parent
		if cell == NoCell {
			return NoRef, target
		}
	}
}

// PreviousFor returns the node that data would rest on if it were placed in
// cell id: the node directly below data in the target's column, or the
// resolved base when there is no target. It returns NoRef when that node
// cannot carry the type.
func (m *Map) PreviousFor(id CellID, data Ref, t voxel.Type, weight, owner int) Ref {
	beneath, target := m.DefaultTargetFor(id, t, weight, owner, true)
	if !beneath.Valid() {
		return NoRef
	}
	if !target.Valid() {
		return beneath
	}
	col := &m.cells[target.Cell].Column
	previous := NoRef
	for s := target.Slot; s != voxel.Nil; s = col.Next(s) {
		cur := Ref{Cell: target.Cell, Slot: s}
		if cur == data {
			break
		}
		previous = cur
	}
	if !previous.Valid() {
		previous = beneath
	}
	if !m.Voxel(previous).IsBaseFor(t, weight) {
		return NoRef
	}
	return previous
}

func isLanding(d *voxel.Data, t voxel.Type, weight int) bool {
	return !d.IsCollapsableBy(t, weight) && d.IsBaseFor(t, weight)
}

func containsOwner(owners []int, owner int) bool {
	for _, o := range owners {
		if o == owner {
			return true
		}
	}
	return false
}
