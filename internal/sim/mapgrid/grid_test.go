package mapgrid

import (
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"voxelcombat.gg/internal/sim/voxel"
)

func mustNew(t *testing.T, weight int) *Map {
	t.Helper()
	m, err := New(weight)
	if err != nil {
		t.Fatalf("new map: %v", err)
	}
	return m
}

func mustGet(t *testing.T, m *Map, row, col, weight int) CellID {
	t.Helper()
	id, err := m.Get(row, col, weight)
	if err != nil {
		t.Fatalf("get(%d,%d,%d): %v", row, col, weight, err)
	}
	return id
}

func TestMap_GetPositionRoundTrip(t *testing.T) {
	m := mustNew(t, 3)
	if want := 1 + 4 + 16 + 64; m.Len() != want {
		t.Fatalf("cells=%d want %d", m.Len(), want)
	}
	seen := map[CellID]bool{}
	for w := 0; w <= 3; w++ {
		size := m.Size(w)
		for r := 0; r < size; r++ {
			for c := 0; c < size; c++ {
				id := mustGet(t, m, r, c, w)
				if seen[id] {
					t.Fatalf("cell %d returned twice", id)
				}
				seen[id] = true
				if got := m.CellWeight(id); got != w {
					t.Fatalf("(%d,%d,%d): weight=%d", r, c, w, got)
				}
				if p := m.Position(id); p.Row != r || p.Col != c {
					t.Fatalf("(%d,%d,%d): position=%+v", r, c, w, p)
				}
				if w < 3 {
					parent := m.Parent(id)
					pp := m.Position(parent)
					if pp.Row != r/2 || pp.Col != c/2 {
						t.Fatalf("(%d,%d,%d): parent at %+v", r, c, w, pp)
					}
				}
			}
		}
	}
	if len(seen) != m.Len() {
		t.Fatalf("visited %d of %d cells", len(seen), m.Len())
	}
}

func TestMap_GetRejectsBadWeight(t *testing.T) {
	m := mustNew(t, 2)
	for _, w := range []int{-1, 16, 3} {
		if _, err := m.Get(0, 0, w); !errors.Is(err, ErrWeightOutOfRange) {
			t.Fatalf("weight %d: err=%v", w, err)
		}
	}
	if _, err := m.Get(4, 0, 0); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("out of bounds: err=%v", err)
	}
}

func TestMap_DestroyPropagatesToDescendants(t *testing.T) {
	m := mustNew(t, 1)
	root := CellID(0)
	base := m.Append(root, voxel.New(voxel.Ground, 1, 2, 0, 0))
	top := m.Append(root, voxel.New(voxel.Ground, 1, 1, 2, 0))
	leaf := mustGet(t, m, 1, 1, 0)
	unit := m.Append(leaf, voxel.New(voxel.Eater, 0, 1, 3, 1))

	_, changes := m.Destroy(base)
	if m.Exists(base) {
		t.Fatalf("destroyed node still exists")
	}
	if got := m.Voxel(top).Altitude; got != 0 {
		t.Fatalf("top altitude=%d want 0", got)
	}
	if got := m.Voxel(unit).Altitude; got != 1 {
		t.Fatalf("descendant altitude=%d want 1", got)
	}
	if len(changes) != 2 {
		t.Fatalf("changes=%+v", changes)
	}
	drained := m.DrainAltitudeChanges()
	if len(drained) != 2 || len(m.DrainAltitudeChanges()) != 0 {
		t.Fatalf("drain=%+v", drained)
	}
	touched := m.DrainTouched()
	if len(touched) != 2 || touched[0] != root || touched[1] != leaf {
		t.Fatalf("touched=%v", touched)
	}
}

func TestMap_DestroyExtraPlayers(t *testing.T) {
	m := mustNew(t, 2)
	m.ForEach(func(id CellID) {
		w := m.CellWeight(id)
		for owner := 0; owner < 4; owner++ {
			m.Append(id, voxel.New(voxel.Eater, w, 1, owner, owner))
		}
	})
	removed := m.DestroyExtraPlayers(2)
	if removed != 2*m.Len() {
		t.Fatalf("removed=%d want %d", removed, 2*m.Len())
	}
	m.ForEach(func(id CellID) {
		col := m.Column(id)
		if col.Len() != 2 {
			t.Fatalf("cell %d keeps %d voxels", id, col.Len())
		}
		col.ForEach(func(_ voxel.Slot, d *voxel.Data) bool {
			if d.Owner >= 2 {
				t.Fatalf("cell %d: owner %d survived", id, d.Owner)
			}
			return true
		})
	})
}

func TestMap_TotalHeightAndLookups(t *testing.T) {
	m := mustNew(t, 2)
	m.Append(0, voxel.New(voxel.Ground, 2, 3, 0, 0))
	leaf := mustGet(t, m, 3, 3, 0)
	if got := m.TotalHeight(leaf); got != 3 {
		t.Fatalf("total height via ancestor=%d", got)
	}
	d := voxel.New(voxel.Eater, 0, 1, 3, 1)
	d.UnitID = 42
	r := m.Append(leaf, d)
	if got := m.TotalHeight(leaf); got != 4 {
		t.Fatalf("total height=%d", got)
	}
	if got := m.TotalHeightOfType(leaf, voxel.Ground); got != 3 {
		t.Fatalf("ground height=%d", got)
	}
	if m.FindUnit(leaf, 42) != r || m.VoxelAt(leaf, 3) != r {
		t.Fatalf("lookups failed")
	}
	parent := m.Parent(leaf)
	if !m.HasDescendantsWith(m.Parent(parent), func(d *voxel.Data) bool { return d.UnitID == 42 }) {
		t.Fatalf("descendant search failed")
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	m := mustNew(t, 2)
	m.Append(0, voxel.New(voxel.Ground, 2, 1, 0, 0))
	leaf := mustGet(t, m, 2, 1, 0)
	d := voxel.New(voxel.Eater, 0, 3, 1, 1)
	d.SetCollapsed(true)
	m.Append(leaf, d)

	b, err := Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Weight() != 2 || got.Len() != m.Len() {
		t.Fatalf("shape: weight=%d len=%d", got.Weight(), got.Len())
	}
	vs := got.Column(leaf).Slice()
	if len(vs) != 1 || !vs[0].IsCollapsed() || vs[0].RealHeight() != 3 {
		t.Fatalf("leaf voxels=%+v", vs)
	}
}

func TestCodec_RejectsMalformedChildren(t *testing.T) {
	bad := wireMap{Weight: 1, Root: wireCell{Children: make([]wireCell, 3)}}
	b, err := msgpack.Marshal(&bad)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Unmarshal(b); err == nil {
		t.Fatalf("expected error for 3 children")
	}
}

func TestCodec_RejectsVoxelsThatDoNotFit(t *testing.T) {
	cases := []struct {
		name string
		v    wireVoxel
	}{
		{"heavier than map", wireVoxel{Weight: 5, Height: 1, Type: int(voxel.Eater), Owner: 1}},
		{"negative weight", wireVoxel{Weight: -1, Height: 1, Type: int(voxel.Eater), Owner: 1}},
		{"unknown type", wireVoxel{Weight: 2, Height: 1, Type: 99}},
		{"negative owner", wireVoxel{Weight: 2, Height: 1, Type: int(voxel.Ground), Owner: -1}},
		{"bad direction", wireVoxel{Weight: 2, Height: 1, Type: int(voxel.Eater), Owner: 1, Dir: 4}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := wireMap{Weight: 2, Root: wireCell{Voxels: []wireVoxel{tc.v}}}
			b, err := msgpack.Marshal(&bad)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if _, err := Unmarshal(b); err == nil {
				t.Fatalf("Unmarshal accepted %+v", tc.v)
			}
		})
	}

	// A leaf voxel heavier than its leaf cell is rejected too.
	leaf := wireCell{Voxels: []wireVoxel{{Weight: 1, Height: 1, Type: int(voxel.Eater), Owner: 1}}}
	bad := wireMap{Weight: 1, Root: wireCell{Children: []wireCell{leaf, {}, {}, {}}}}
	b, err := msgpack.Marshal(&bad)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Unmarshal(b); err == nil {
		t.Fatalf("Unmarshal accepted a weight 1 voxel in a weight 0 cell")
	}
}
