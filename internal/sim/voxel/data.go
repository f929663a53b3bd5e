package voxel

// Type is the kind of a voxel node.
type Type int

const (
	Ground Type = iota
	Eatable
	Eater
	Bomb
	Spawner
)

// KnownTypes lists every type that carries per-player abilities.
var KnownTypes = []Type{Ground, Eatable, Eater, Bomb, Spawner}

func (t Type) String() string {
	switch t {
	case Ground:
		return "GROUND"
	case Eatable:
		return "EATABLE"
	case Eater:
		return "EATER"
	case Bomb:
		return "BOMB"
	case Spawner:
		return "SPAWNER"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t is one of the declared types.
func (t Type) Valid() bool {
	return t >= Ground && t <= Spawner
}

// IsStatic reports whether nodes of this type are terrain.
func (t Type) IsStatic() bool {
	return t == Ground
}

// IsUnit reports whether nodes of this type are indexed as units.
func (t Type) IsUnit() bool {
	return t == Eater || t == Bomb || t == Spawner
}

// IsControllable reports whether a player can issue commands to this type.
func (t Type) IsControllable() bool {
	return t == Eater || t == Bomb
}

type State int

const (
	Idle State = iota
	SearchingPath
	Moving
	Dead
	Busy
)

const (
	heightMask    int32 = 0xFFFF
	collapsedMask int32 = 0x7FFF0000

	// NeutralOwner is the player index of the neutral player.
	NeutralOwner = 0
	// NoUnit marks a node that has not been indexed as a unit.
	NoUnit int64 = -1
)

// Data is one voxel node. The height field is packed: while collapsed the
// real height lives in the upper 16 bits and Height reports zero.
type Data struct {
	Weight   int
	Altitude int
	Type     Type
	Owner    int
	Dir      int
	Health   int
	State    State
	UnitID   int64

	height int32
}

// New returns an uncollapsed node of the given shape.
func New(t Type, weight, height, altitude, owner int) Data {
	return Data{
		Weight:   weight,
		Altitude: altitude,
		Type:     t,
		Owner:    owner,
		Health:   1,
		UnitID:   NoUnit,
		height:   int32(height) & heightMask,
	}
}

func (d *Data) Height() int {
	return int(d.height & heightMask)
}

// SetHeight panics on a collapsed node; its height is frozen until it is
// un-collapsed.
func (d *Data) SetHeight(h int) {
	if d.IsCollapsed() {
		panic("voxel: SetHeight on collapsed node")
	}
	d.height = int32(h) & heightMask
}

func (d *Data) IsCollapsed() bool {
	return d.height&collapsedMask != 0
}

func (d *Data) SetCollapsed(v bool) {
	if d.IsCollapsed() == v {
		return
	}
	if v {
		d.height <<= 16
	} else {
		d.height >>= 16
	}
}

// RealHeight is the height the node has when not collapsed.
func (d *Data) RealHeight() int {
	if d.IsCollapsed() {
		return int(d.height >> 16)
	}
	return int(d.height & heightMask)
}

// Packed exposes the raw height field for codecs.
func (d *Data) Packed() int32 { return d.height }

// SetPacked restores a raw height field written by Packed.
func (d *Data) SetPacked(v int32) { d.height = v }

func (d *Data) IsNeutral() bool {
	return d.Owner == NeutralOwner
}

func (d *Data) IsAlive() bool {
	return d.Health > 0
}

// Top is the altitude of the node's upper face.
func (d *Data) Top() int {
	return d.Altitude + d.Height()
}
