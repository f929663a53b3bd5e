package mapgrid

import "voxelcombat.gg/internal/sim/voxel"

// Destroy unlinks the node at r. Every node above it in the same column and
// every node at or above its base in descendant cells is lowered by its
// height. The lowered nodes are returned and also kept for
// DrainAltitudeChanges.
func (m *Map) Destroy(r Ref) (voxel.Data, []AltitudeChange) {
	col := &m.cells[r.Cell].Column
	removed, own := col.Destroy(r.Slot)
	m.touch(r.Cell)

	var changes []AltitudeChange
	for _, c := range own {
		changes = append(changes, AltitudeChange{Ref: Ref{Cell: r.Cell, Slot: c.Slot}, From: c.From, To: c.To})
	}
	if h := removed.Height(); h != 0 {
		m.ForEachDescendant(r.Cell, func(id CellID) {
			for _, c := range m.cells[id].Column.Lower(removed.Altitude, h) {
				changes = append(changes, AltitudeChange{Ref: Ref{Cell: id, Slot: c.Slot}, From: c.From, To: c.To})
			}
		})
	}
	m.changes = append(m.changes, changes...)
	return removed, changes
}

// DestroyExtraPlayers removes every node owned by a player index at or
// above playersCount.
func (m *Map) DestroyExtraPlayers(playersCount int) int {
	n := 0
	var doomed []voxel.Slot
	m.ForEach(func(id CellID) {
		col := &m.cells[id].Column
		doomed = doomed[:0]
		col.ForEach(func(s voxel.Slot, d *voxel.Data) bool {
			if d.Owner >= playersCount {
				doomed = append(doomed, s)
			}
			return true
		})
		for _, s := range doomed {
			m.Destroy(Ref{Cell: id, Slot: s})
			n++
		}
	})
	return n
}
