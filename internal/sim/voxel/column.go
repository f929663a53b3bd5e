package voxel

// Slot addresses a node inside a Column. Slots stay valid until the node is
// removed; freed slots are reused by later inserts.
type Slot int32

// Nil is the slot of no node.
const Nil Slot = -1

// AltitudeChange records one node whose altitude moved because a node below
// it was removed.
type AltitudeChange struct {
	Slot Slot
	From int
	To   int
}

type node struct {
	data Data
	next Slot
	used bool
}

// Column is a singly linked stack of nodes ordered by altitude, stored in an
// arena. The zero value is an empty column.
type Column struct {
	nodes []node
	free  []Slot
	head  Slot
	n     int
}

func (c *Column) Len() int { return c.n }

// Head returns the bottom node of the column or Nil.
func (c *Column) Head() Slot {
	if c.n == 0 {
		return Nil
	}
	return c.head
}

// Next returns the node stacked on s or Nil.
func (c *Column) Next(s Slot) Slot {
	return c.nodes[s].next
}

// At returns the node in slot s. It panics on a free slot.
func (c *Column) At(s Slot) *Data {
	n := &c.nodes[s]
	if !n.used {
		panic("voxel: access to free slot")
	}
	return &n.data
}

// Contains reports whether s addresses a live node.
func (c *Column) Contains(s Slot) bool {
	return s >= 0 && int(s) < len(c.nodes) && c.nodes[s].used
}

// ForEach visits nodes bottom-up until fn returns false.
func (c *Column) ForEach(fn func(Slot, *Data) bool) {
	for s := c.Head(); s != Nil; s = c.nodes[s].next {
		if !fn(s, &c.nodes[s].data) {
			return
		}
	}
}

func (c *Column) alloc(d Data) Slot {
	var s Slot
	if k := len(c.free); k > 0 {
		s = c.free[k-1]
		c.free = c.free[:k-1]
		c.nodes[s] = node{data: d, next: Nil, used: true}
	} else {
		s = Slot(len(c.nodes))
		c.nodes = append(c.nodes, node{data: d, next: Nil, used: true})
	}
	c.n++
	return s
}

// Append links d on top of the column.
func (c *Column) Append(d Data) Slot {
	last := c.Last()
	s := c.alloc(d)
	if last == Nil {
		c.head = s
	} else {
		c.nodes[last].next = s
	}
	return s
}

// InsertAfter links d directly above prev, or at the bottom when prev is
// Nil.
func (c *Column) InsertAfter(prev Slot, d Data) Slot {
	if prev == Nil {
		head := c.Head()
		s := c.alloc(d)
		c.nodes[s].next = head
		c.head = s
		return s
	}
	s := c.alloc(d)
	c.nodes[s].next = c.nodes[prev].next
	c.nodes[prev].next = s
	return s
}

// Insert links d above the last node whose altitude does not exceed d's.
func (c *Column) Insert(d Data) Slot {
	prev := Nil
	for s := c.Head(); s != Nil; s = c.nodes[s].next {
		if c.nodes[s].data.Altitude > d.Altitude {
			break
		}
		prev = s
	}
	return c.InsertAfter(prev, d)
}

// Remove unlinks s without touching the altitude of the nodes above it.
func (c *Column) Remove(s Slot) Data {
	d := *c.At(s)
	prev := c.Previous(s)
	if prev == Nil {
		c.head = c.nodes[s].next
	} else {
		c.nodes[prev].next = c.nodes[s].next
	}
	c.nodes[s] = node{next: Nil}
	c.free = append(c.free, s)
	c.n--
	if c.n == 0 {
		c.head = Nil
	}
	return d
}

// Destroy unlinks s and lowers every node above it by its height.
func (c *Column) Destroy(s Slot) (Data, []AltitudeChange) {
	d := *c.At(s)
	h := d.Height()
	var changes []AltitudeChange
	if h != 0 {
		for n := c.nodes[s].next; n != Nil; n = c.nodes[n].next {
			nd := &c.nodes[n].data
			changes = append(changes, AltitudeChange{Slot: n, From: nd.Altitude, To: nd.Altitude - h})
			nd.Altitude -= h
		}
	}
	c.Remove(s)
	return d, changes
}

// Lower subtracts delta from every node whose altitude is at least from.
func (c *Column) Lower(from, delta int) []AltitudeChange {
	var changes []AltitudeChange
	for s := c.Head(); s != Nil; s = c.nodes[s].next {
		nd := &c.nodes[s].data
		if nd.Altitude < from {
			continue
		}
		changes = append(changes, AltitudeChange{Slot: s, From: nd.Altitude, To: nd.Altitude - delta})
		nd.Altitude -= delta
	}
	return changes
}

// Last returns the top node or Nil.
func (c *Column) Last() Slot {
	last := Nil
	for s := c.Head(); s != Nil; s = c.nodes[s].next {
		last = s
	}
	return last
}

// Penultimate returns the node under the top node or Nil.
func (c *Column) Penultimate() Slot {
	prev, last := Nil, Nil
	for s := c.Head(); s != Nil; s = c.nodes[s].next {
		prev, last = last, s
	}
	return prev
}

// Previous returns the node directly below s or Nil.
func (c *Column) Previous(s Slot) Slot {
	prev := Nil
	for n := c.Head(); n != Nil && n != s; n = c.nodes[n].next {
		prev = n
	}
	return prev
}

// NextNotCollapsed returns the first uncollapsed node above s or Nil.
func (c *Column) NextNotCollapsed(s Slot) Slot {
	for n := c.nodes[s].next; n != Nil; n = c.nodes[n].next {
		if !c.nodes[n].data.IsCollapsed() {
			return n
		}
	}
	return Nil
}

func (c *Column) lastWhere(pred func(*Data) bool) Slot {
	found := Nil
	for s := c.Head(); s != Nil; s = c.nodes[s].next {
		if pred(&c.nodes[s].data) {
			found = s
		}
	}
	return found
}

func (c *Column) LastOfType(t Type) Slot {
	return c.lastWhere(func(d *Data) bool { return d.Type == t })
}

func (c *Column) LastNeutralOfType(t Type) Slot {
	return c.lastWhere(func(d *Data) bool { return d.Type == t && d.IsNeutral() })
}

func (c *Column) LastStatic() Slot {
	return c.lastWhere(func(d *Data) bool { return d.Type.IsStatic() })
}

func (c *Column) LastSelectable() Slot {
	return c.lastWhere(func(d *Data) bool { return d.Type.IsControllable() })
}

func (c *Column) FirstOfType(t Type) Slot {
	for s := c.Head(); s != Nil; s = c.nodes[s].next {
		if c.nodes[s].data.Type == t {
			return s
		}
	}
	return Nil
}

// FindUnit returns the node indexed with unitID or Nil.
func (c *Column) FindUnit(unitID int64) Slot {
	for s := c.Head(); s != Nil; s = c.nodes[s].next {
		if c.nodes[s].data.UnitID == unitID {
			return s
		}
	}
	return Nil
}

// AtAltitude returns the node with non-zero height whose base is exactly
// altitude, or Nil.
func (c *Column) AtAltitude(altitude int) Slot {
	for s := c.Head(); s != Nil; s = c.nodes[s].next {
		d := &c.nodes[s].data
		if d.Altitude == altitude && d.Height() > 0 {
			return s
		}
	}
	return Nil
}

// Clone returns a deep copy that keeps every slot number.
func (c *Column) Clone() Column {
	out := Column{head: c.head, n: c.n}
	if c.nodes != nil {
		out.nodes = append([]node(nil), c.nodes...)
	}
	if c.free != nil {
		out.free = append([]Slot(nil), c.free...)
	}
	return out
}

// Slice returns the nodes bottom-up by value.
func (c *Column) Slice() []Data {
	out := make([]Data, 0, c.n)
	c.ForEach(func(_ Slot, d *Data) bool {
		out = append(out, *d)
		return true
	})
	return out
}
