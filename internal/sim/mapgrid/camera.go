package mapgrid

import "fmt"

// Proxies materializes the voxels of a cell when it first becomes visible
// and releases them when the last window leaves it.
type Proxies interface {
	Acquire(m *Map, id CellID)
	Release(m *Map, id CellID)
}

// Camera is a square visibility window of the given radius on the grid of
// one weight. Every visible cell and all of its descendants carry one usage
// per window that covers them.
type Camera struct {
	m       *Map
	proxies Proxies

	weight int
	radius int
	row    int
	col    int
	on     bool
}

// NewCamera returns a camera centred on the map, turned off.
func NewCamera(m *Map, radius, weight int, proxies Proxies) (*Camera, error) {
	if weight < 0 || weight > m.weight {
		return nil, fmt.Errorf("camera weight %d: %w", weight, ErrWeightOutOfRange)
	}
	if radius < 0 {
		return nil, fmt.Errorf("camera radius %d must be >= 0", radius)
	}
	size := m.Size(weight)
	return &Camera{
		m:       m,
		proxies: proxies,
		weight:  weight,
		radius:  radius,
		row:     size / 2,
		col:     size / 2,
	}, nil
}

func (c *Camera) Row() int    { return c.row }
func (c *Camera) Col() int    { return c.col }
func (c *Camera) Weight() int { return c.weight }
func (c *Camera) Radius() int { return c.radius }
func (c *Camera) IsOn() bool  { return c.on }

func (c *Camera) SetOn(on bool) {
	if c.on == on {
		return
	}
	c.on = on
	if on {
		c.turnOnAll()
	} else {
		c.turnOffAll()
	}
}

func (c *Camera) SetWeight(weight int) error {
	if weight < 0 || weight > c.m.weight {
		return fmt.Errorf("camera weight %d: %w", weight, ErrWeightOutOfRange)
	}
	if weight == c.weight {
		return nil
	}
	c.reframe(func() { c.weight = weight })
	return nil
}

func (c *Camera) SetRadius(radius int) {
	if radius == c.radius || radius < 0 {
		return
	}
	c.reframe(func() { c.radius = radius })
}

// SetPosition recentres the window.
func (c *Camera) SetPosition(row, col int) {
	c.reframe(func() { c.row, c.col = row, col })
}

func (c *Camera) reframe(change func()) {
	if c.on {
		c.turnOffAll()
	}
	change()
	if c.on {
		c.turnOnAll()
	}
}

// Move shifts the window. Steps shorter than the radius only touch the
// strips of cells that leave and enter the window.
func (c *Camera) Move(dRow, dCol int) {
	if !c.on {
		c.row += dRow
		c.col += dCol
		return
	}
	if abs(dRow) >= c.radius || abs(dCol) >= c.radius {
		c.turnOffAll()
		c.row += dRow
		c.col += dCol
		c.turnOnAll()
		return
	}

	size := c.m.Size(c.weight)
	fromCol := max(0, c.col-c.radius)
	toCol := min(size-1, c.col+c.radius)
	for ; dRow > 0; dRow-- {
		c.rowStrip(c.row-c.radius, fromCol, toCol, false)
		c.row++
		c.rowStrip(c.row+c.radius, fromCol, toCol, true)
	}
	for ; dRow < 0; dRow++ {
		c.rowStrip(c.row+c.radius, fromCol, toCol, false)
		c.row--
		c.rowStrip(c.row-c.radius, fromCol, toCol, true)
	}

	fromRow := max(0, c.row-c.radius)
	toRow := min(size-1, c.row+c.radius)
	for ; dCol > 0; dCol-- {
		c.colStrip(c.col-c.radius, fromRow, toRow, false)
		c.col++
		c.colStrip(c.col+c.radius, fromRow, toRow, true)
	}
	for ; dCol < 0; dCol++ {
		c.colStrip(c.col+c.radius, fromRow, toRow, false)
		c.col--
		c.colStrip(c.col-c.radius, fromRow, toRow, true)
	}
}

func (c *Camera) rowStrip(row, fromCol, toCol int, on bool) {
	if row < 0 || row >= c.m.Size(c.weight) {
		return
	}
	for j := fromCol; j <= toCol; j++ {
		c.toggle(row, j, on)
	}
}

func (c *Camera) colStrip(col, fromRow, toRow int, on bool) {
	if col < 0 || col >= c.m.Size(c.weight) {
		return
	}
	for i := fromRow; i <= toRow; i++ {
		c.toggle(i, col, on)
	}
}

func (c *Camera) toggle(row, col int, on bool) {
	id, err := c.m.Get(row, col, c.weight)
	if err != nil {
		return
	}
	if on {
		c.turnOn(id)
	} else {
		c.turnOff(id)
	}
}

// IsVisible reports whether a cell at (row, col) on the grid of weight lies
// inside the window. Cells heavier than the camera's weight are never
// visible.
func (c *Camera) IsVisible(row, col, weight int) bool {
	if weight > c.weight {
		return false
	}
	if weight < c.weight {
		shift := c.weight - weight
		row >>= shift
		col >>= shift
	}
	return row >= c.row-c.radius && row <= c.row+c.radius &&
		col >= c.col-c.radius && col <= c.col+c.radius
}

func (c *Camera) forEachVisible(fn func(CellID)) {
	size := c.m.Size(c.weight)
	fromRow, toRow := max(0, c.row-c.radius), min(size-1, c.row+c.radius)
	fromCol, toCol := max(0, c.col-c.radius), min(size-1, c.col+c.radius)
	for i := fromRow; i <= toRow; i++ {
		for j := fromCol; j <= toCol; j++ {
			if id, err := c.m.Get(i, j, c.weight); err == nil {
				fn(id)
			}
		}
	}
}

func (c *Camera) turnOnAll()  { c.forEachVisible(c.turnOn) }
func (c *Camera) turnOffAll() { c.forEachVisible(c.turnOff) }

func (c *Camera) turnOn(id CellID) {
	cell := &c.m.cells[id]
	if cell.usages == 0 && c.proxies != nil {
		c.proxies.Acquire(c.m, id)
	}
	if cell.child != NoCell {
		for i := CellID(0); i < 4; i++ {
			c.turnOn(cell.child + i)
		}
	}
	cell.usages++
}

func (c *Camera) turnOff(id CellID) {
	cell := &c.m.cells[id]
	if cell.usages == 0 {
		panic("mapgrid: cell usage below zero")
	}
	cell.usages--
	if cell.usages == 0 && c.proxies != nil {
		c.proxies.Release(c.m, id)
	}
	if cell.child != NoCell {
		for i := CellID(0); i < 4; i++ {
			c.turnOff(cell.child + i)
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
