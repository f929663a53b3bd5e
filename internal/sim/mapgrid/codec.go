package mapgrid

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"voxelcombat.gg/internal/sim/voxel"
)

type wireMap struct {
	Weight int      `msgpack:"weight"`
	Root   wireCell `msgpack:"root"`
}

type wireCell struct {
	Voxels   []wireVoxel `msgpack:"voxels,omitempty"`
	Children []wireCell  `msgpack:"children,omitempty"`
}

type wireVoxel struct {
	Weight   int   `msgpack:"w"`
	Height   int32 `msgpack:"h"`
	Altitude int   `msgpack:"a"`
	Type     int   `msgpack:"t"`
	Owner    int   `msgpack:"o"`
	Dir      int   `msgpack:"d"`
	Health   int   `msgpack:"hp"`
	State    int   `msgpack:"s"`
	UnitID   int64 `msgpack:"u"`
}

// Marshal encodes the map as nested cells, children in row*2+col order.
func Marshal(m *Map) ([]byte, error) {
	w := wireMap{Weight: m.weight, Root: m.encodeCell(0)}
	b, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("marshal map: %w", err)
	}
	return b, nil
}

func (m *Map) encodeCell(id CellID) wireCell {
	var wc wireCell
	m.cells[id].Column.ForEach(func(_ voxel.Slot, d *voxel.Data) bool {
		wc.Voxels = append(wc.Voxels, wireVoxel{
			Weight:   d.Weight,
			Height:   d.Packed(),
			Altitude: d.Altitude,
			Type:     int(d.Type),
			Owner:    d.Owner,
			Dir:      d.Dir,
			Health:   d.Health,
			State:    int(d.State),
			UnitID:   d.UnitID,
		})
		return true
	})
	if c := m.cells[id].child; c != NoCell {
		wc.Children = make([]wireCell, 4)
		for i := range wc.Children {
			wc.Children[i] = m.encodeCell(c + CellID(i))
		}
	}
	return wc
}

// Unmarshal decodes bytes written by Marshal. Voxels must fit the cell
// they sit in: a known type, a weight no larger than the cell's.
func Unmarshal(b []byte) (*Map, error) {
	var w wireMap
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("unmarshal map: %w", err)
	}
	m, err := New(w.Weight)
	if err != nil {
		return nil, err
	}
	if err := m.decodeCell(0, &w.Root); err != nil {
		return nil, err
	}
	m.touched = map[CellID]struct{}{}
	return m, nil
}

func (m *Map) decodeCell(id CellID, wc *wireCell) error {
	col := &m.cells[id].Column
	prev := -1 << 31
	for _, v := range wc.Voxels {
		if v.Altitude < prev {
			return fmt.Errorf("cell %d: voxel altitudes not ascending", id)
		}
		prev = v.Altitude
		switch {
		case !voxel.Type(v.Type).Valid():
			return fmt.Errorf("cell %d: unknown voxel type %d", id, v.Type)
		case v.Weight < 0 || v.Weight > m.CellWeight(id):
			return fmt.Errorf("cell %d: voxel weight %d outside [0,%d]", id, v.Weight, m.CellWeight(id))
		case v.Owner < 0:
			return fmt.Errorf("cell %d: negative owner %d", id, v.Owner)
		case v.Dir < 0 || v.Dir > 3:
			return fmt.Errorf("cell %d: direction %d", id, v.Dir)
		}
		d := voxel.Data{
			Weight:   v.Weight,
			Altitude: v.Altitude,
			Type:     voxel.Type(v.Type),
			Owner:    v.Owner,
			Dir:      v.Dir,
			Health:   v.Health,
			State:    voxel.State(v.State),
			UnitID:   v.UnitID,
		}
		d.SetPacked(v.Height)
		col.Append(d)
	}
	c := m.cells[id].child
	switch {
	case len(wc.Children) == 0:
		return nil
	case c == NoCell:
		return fmt.Errorf("cell %d: leaf has %d children", id, len(wc.Children))
	case len(wc.Children) != 4:
		return fmt.Errorf("cell %d: %d children, want 4", id, len(wc.Children))
	}
	for i := range wc.Children {
		if err := m.decodeCell(c+CellID(i), &wc.Children[i]); err != nil {
			return err
		}
	}
	return nil
}
