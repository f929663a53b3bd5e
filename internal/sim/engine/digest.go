package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"

	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/mapgrid"
	"voxelcombat.gg/internal/sim/voxel"
)

// Digest hashes the map contents and the unit counter. Two engines that
// ran the same commands from the same map report the same digest.
func (e *Engine) Digest() string {
	h := sha256.New()
	var tmp [8]byte

	writeI64(h, &tmp, int64(e.m.Weight()))
	writeI64(h, &tmp, int64(e.playersCount))
	writeI64(h, &tmp, e.nextUnit)
	e.m.ForEach(func(id mapgrid.CellID) {
		col := e.m.Column(id)
		if col.Len() == 0 {
			return
		}
		writeI64(h, &tmp, int64(id))
		writeI64(h, &tmp, int64(col.Len()))
		col.ForEach(func(_ voxel.Slot, d *voxel.Data) bool {
			writeI64(h, &tmp, int64(d.Weight))
			writeI64(h, &tmp, int64(d.Packed()))
			writeI64(h, &tmp, int64(d.Altitude))
			writeI64(h, &tmp, int64(d.Type))
			writeI64(h, &tmp, int64(d.Owner))
			writeI64(h, &tmp, int64(d.Dir))
			writeI64(h, &tmp, int64(d.Health))
			writeI64(h, &tmp, int64(d.State))
			writeI64(h, &tmp, d.UnitID)
			return true
		})
	})
	return hex.EncodeToString(h.Sum(nil))
}

func writeI64(h hash.Hash, tmp *[8]byte, v int64) {
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	h.Write(tmp[:])
}

// Snapshot captures the engine state before the given tick runs.
func (e *Engine) Snapshot(tick int64, withMap bool) (protocol.ReplaySnapshot, error) {
	s := protocol.ReplaySnapshot{Tick: tick, Digest: e.Digest()}
	if withMap {
		b, err := mapgrid.Marshal(e.m)
		if err != nil {
			return s, err
		}
		s.Map = b
	}
	return s, nil
}
