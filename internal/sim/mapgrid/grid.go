package mapgrid

import (
	"errors"
	"fmt"
	"sort"

	"voxelcombat.gg/internal/sim/voxel"
)

// MaxWeight bounds the weights Get accepts.
const MaxWeight = 15

// MaxAllocWeight bounds the map weights New will allocate; a full tree of
// weight w holds (4^(w+1)-1)/3 cells.
const MaxAllocWeight = 11

var (
	ErrWeightOutOfRange = errors.New("weight out of range")
	ErrOutOfBounds      = errors.New("position out of bounds")
)

// CellID indexes the flat cell table. The root is 0.
type CellID int32

const NoCell CellID = -1

// Ref addresses one voxel node: a cell and a slot in its column.
type Ref struct {
	Cell CellID
	Slot voxel.Slot
}

var NoRef = Ref{Cell: NoCell, Slot: voxel.Nil}

func (r Ref) Valid() bool { return r.Cell != NoCell && r.Slot != voxel.Nil }

// Pos is a cell position on the grid of its own weight.
type Pos struct {
	Row int
	Col int
}

type Cell struct {
	Column voxel.Column

	parent CellID
	child  CellID // first of four consecutive children, NoCell on leaves
	index  uint8
	depth  uint8
	usages int32
}

// AltitudeChange is a node whose altitude dropped after a destroy.
type AltitudeChange struct {
	Ref  Ref
	From int
	To   int
}

// Map is a full quad-tree of cells stored breadth-first. The root has the
// map's weight; every level down halves the cell size and lowers the
// weight by one, down to weight 0 leaves.
type Map struct {
	weight int
	cells  []Cell

	changes []AltitudeChange
	touched map[CellID]struct{}
}

// New allocates an empty map of the given weight.
func New(weight int) (*Map, error) {
	if weight < 0 || weight > MaxAllocWeight {
		return nil, fmt.Errorf("map weight %d: %w", weight, ErrWeightOutOfRange)
	}
	total := 0
	for d, n := 0, 1; d <= weight; d, n = d+1, n*4 {
		total += n
	}
	m := &Map{
		weight:  weight,
		cells:   make([]Cell, total),
		touched: map[CellID]struct{}{},
	}
	m.cells[0] = Cell{parent: NoCell, child: NoCell}
	next := CellID(1)
	for id := CellID(0); int(id) < total; id++ {
		c := &m.cells[id]
		if int(c.depth) == weight {
			c.child = NoCell
			continue
		}
		c.child = next
		for i := 0; i < 4; i++ {
			m.cells[next+CellID(i)] = Cell{
				parent: id,
				child:  NoCell,
				index:  uint8(i),
				depth:  c.depth + 1,
			}
		}
		next += 4
	}
	return m, nil
}

func (m *Map) Weight() int { return m.weight }

func (m *Map) Len() int { return len(m.cells) }

// Size returns how many cells span one side of the grid at weight.
func (m *Map) Size(weight int) int {
	return 1 << (m.weight - weight)
}

func (m *Map) Cell(id CellID) *Cell { return &m.cells[id] }

func (m *Map) Column(id CellID) *voxel.Column { return &m.cells[id].Column }

func (m *Map) Parent(id CellID) CellID { return m.cells[id].parent }

// Child returns the i-th child (row*2+col) or NoCell on leaves.
func (m *Map) Child(id CellID, i int) CellID {
	c := m.cells[id].child
	if c == NoCell {
		return NoCell
	}
	return c + CellID(i)
}

func (m *Map) IsLeaf(id CellID) bool { return m.cells[id].child == NoCell }

// CellWeight is the weight of the cell's level.
func (m *Map) CellWeight(id CellID) int { return m.weight - int(m.cells[id].depth) }

func (m *Map) Usages(id CellID) int { return int(m.cells[id].usages) }

// Get returns the cell at (row, col) on the grid of the given weight.
func (m *Map) Get(row, col, weight int) (CellID, error) {
	if weight < 0 || weight > MaxWeight {
		return NoCell, fmt.Errorf("weight %d: %w", weight, ErrWeightOutOfRange)
	}
	if weight > m.weight {
		return NoCell, fmt.Errorf("weight %d above map weight %d: %w", weight, m.weight, ErrWeightOutOfRange)
	}
	size := m.Size(weight)
	if row < 0 || col < 0 || row >= size || col >= size {
		return NoCell, fmt.Errorf("(%d,%d) at weight %d: %w", row, col, weight, ErrOutOfBounds)
	}
	if weight == m.weight {
		return 0, nil
	}
	id := CellID(0)
	for cw := m.weight - 1; ; cw-- {
		if cw == weight {
			return m.Child(id, row*2+col), nil
		}
		s := 1 << (cw - weight)
		id = m.Child(id, (row/s)*2+col/s)
		row %= s
		col %= s
	}
}

// Position returns the cell's coordinates on the grid of its own weight.
func (m *Map) Position(id CellID) Pos {
	var p Pos
	for mul := 1; id != NoCell; mul *= 2 {
		c := &m.cells[id]
		p.Row += int(c.index/2) * mul
		p.Col += int(c.index%2) * mul
		id = c.parent
	}
	return p
}

// Voxel returns the node at ref.
func (m *Map) Voxel(r Ref) *voxel.Data {
	return m.cells[r.Cell].Column.At(r.Slot)
}

// Exists reports whether ref addresses a live node.
func (m *Map) Exists(r Ref) bool {
	return r.Valid() && int(r.Cell) < len(m.cells) && m.cells[r.Cell].Column.Contains(r.Slot)
}

// Walk visits id and its descendants depth first, parents before children.
func (m *Map) Walk(id CellID, fn func(CellID)) {
	fn(id)
	c := m.cells[id].child
	if c == NoCell {
		return
	}
	for i := CellID(0); i < 4; i++ {
		m.Walk(c+i, fn)
	}
}

// ForEach visits every cell depth first from the root.
func (m *Map) ForEach(fn func(CellID)) { m.Walk(0, fn) }

// ForEachDescendant visits every cell strictly below id.
func (m *Map) ForEachDescendant(id CellID, fn func(CellID)) {
	c := m.cells[id].child
	if c == NoCell {
		return
	}
	for i := CellID(0); i < 4; i++ {
		m.Walk(c+i, fn)
	}
}

// Append links d on top of the cell's column.
func (m *Map) Append(id CellID, d voxel.Data) Ref {
	m.touch(id)
	return Ref{Cell: id, Slot: m.cells[id].Column.Append(d)}
}

// Place links d into the cell's column in altitude order.
func (m *Map) Place(id CellID, d voxel.Data) Ref {
	m.touch(id)
	return Ref{Cell: id, Slot: m.cells[id].Column.Insert(d)}
}

// Remove unlinks a node without lowering anything.
func (m *Map) Remove(r Ref) voxel.Data {
	m.touch(r.Cell)
	return m.cells[r.Cell].Column.Remove(r.Slot)
}

// Touch marks a cell whose nodes changed in place.
func (m *Map) Touch(id CellID) { m.touch(id) }

func (m *Map) touch(id CellID) {
	if m.touched == nil {
		m.touched = map[CellID]struct{}{}
	}
	m.touched[id] = struct{}{}
}

// DrainAltitudeChanges returns and clears the altitude changes recorded by
// Destroy since the last drain.
func (m *Map) DrainAltitudeChanges() []AltitudeChange {
	out := m.changes
	m.changes = nil
	return out
}

// DrainTouched returns and clears the cells whose columns gained or lost
// nodes since the last drain, in ascending order.
func (m *Map) DrainTouched() []CellID {
	if len(m.touched) == 0 {
		return nil
	}
	out := make([]CellID, 0, len(m.touched))
	for id := range m.touched {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	m.touched = map[CellID]struct{}{}
	return out
}

// TotalHeight is the top of the highest uncollapsed node over the cell,
// looking through ancestors when the cell itself is empty.
func (m *Map) TotalHeight(id CellID) int {
	for ; id != NoCell; id = m.cells[id].parent {
		col := &m.cells[id].Column
		if s := col.Last(); s != voxel.Nil {
			if d := col.At(s); !d.IsCollapsed() {
				return d.Top()
			}
		}
	}
	return 0
}

// TotalHeightOfType is TotalHeight restricted to nodes of type t.
func (m *Map) TotalHeightOfType(id CellID, t voxel.Type) int {
	for ; id != NoCell; id = m.cells[id].parent {
		col := &m.cells[id].Column
		if s := col.LastOfType(t); s != voxel.Nil {
			if d := col.At(s); !d.IsCollapsed() {
				return d.Top()
			}
		}
	}
	return 0
}

// VoxelAt returns the node with height whose base is exactly altitude.
func (m *Map) VoxelAt(id CellID, altitude int) Ref {
	if s := m.cells[id].Column.AtAltitude(altitude); s != voxel.Nil {
		return Ref{Cell: id, Slot: s}
	}
	return NoRef
}

// FindUnit looks for unitID in the cell and its ancestors.
func (m *Map) FindUnit(id CellID, unitID int64) Ref {
	for ; id != NoCell; id = m.cells[id].parent {
		if s := m.cells[id].Column.FindUnit(unitID); s != voxel.Nil {
			return Ref{Cell: id, Slot: s}
		}
	}
	return NoRef
}

// DescendantWith returns the head node of the first descendant column
// whose head satisfies pred, depth first.
func (m *Map) DescendantWith(id CellID, pred func(*voxel.Data) bool) Ref {
	c := m.cells[id].child
	if c == NoCell {
		return NoRef
	}
	for i := CellID(0); i < 4; i++ {
		child := c + i
		col := &m.cells[child].Column
		if h := col.Head(); h != voxel.Nil && pred(col.At(h)) {
			return Ref{Cell: child, Slot: h}
		}
		if r := m.DescendantWith(child, pred); r.Valid() {
			return r
		}
	}
	return NoRef
}

// HasDescendantsWith reports whether DescendantWith finds a node.
func (m *Map) HasDescendantsWith(id CellID, pred func(*voxel.Data) bool) bool {
	return m.DescendantWith(id, pred).Valid()
}

// Clone returns a deep copy with identical cell ids and slots.
func (m *Map) Clone() *Map {
	out := &Map{
		weight:  m.weight,
		cells:   make([]Cell, len(m.cells)),
		touched: map[CellID]struct{}{},
	}
	for i := range m.cells {
		c := m.cells[i]
		c.Column = m.cells[i].Column.Clone()
		c.usages = 0
		out.cells[i] = c
	}
	return out
}
