package voxel

// ExplodableWeightDelta is how much heavier than its target a bomb may be
// and still blow it up.
const ExplodableWeightDelta = 2

// IsEatableBy reports whether an Eater standing at altitude with the given
// height consumes d.
func (d *Data) IsEatableBy(t Type, weight, height, altitude, owner int) bool {
	if t != Eater {
		return false
	}
	return d.Height() != 0 &&
		height+altitude > d.Altitude &&
		d.Weight < weight &&
		d.Type != Ground &&
		(d.Owner != owner || d.Type == Eatable)
}

// IsAttackableBy reports whether unit a may attack d.
func (d *Data) IsAttackableBy(a *Data) bool {
	if a.Type != Eater && a.Type != Bomb {
		return false
	}
	if d.Height() == 0 || d.Weight >= a.Weight || d.Weight < a.Weight-2 {
		return false
	}
	if d.IsExplodableBy(a.Type, a.Weight) {
		return false
	}
	if a.Type == Bomb {
		return !d.IsNeutral() && d.Owner != a.Owner
	}
	if d.IsNeutral() && d.Type != Eatable {
		return false
	}
	return d.Owner != a.Owner || d.Type == Eatable
}

// IsBaseFor reports whether a node of the given type and weight may stand
// on d.
func (d *Data) IsBaseFor(t Type, weight int) bool {
	unit := t == Bomb || t == Eater
	switch d.Type {
	case Ground:
		return d.Weight >= weight
	case Bomb, Eater:
		return unit && d.Weight == weight
	case Eatable:
		if unit {
			return d.Weight == weight
		}
		return t == Eatable && d.Weight >= weight
	case Spawner:
		return unit && d.Weight >= weight
	}
	return false
}

// IsExplodableBy reports whether a bomb of the given weight destroys d on
// contact: d must be owned and the bomb's weight must lie in
// [d.Weight, d.Weight+ExplodableWeightDelta].
func (d *Data) IsExplodableBy(t Type, weight int) bool {
	if t != Bomb || d.IsNeutral() {
		return false
	}
	return weight >= d.Weight && weight <= d.Weight+ExplodableWeightDelta
}

// IsCollapsableBy reports whether two units of equal weight flatten each
// other on contact.
func (d *Data) IsCollapsableBy(t Type, weight int) bool {
	if d.Type != Bomb && d.Type != Eater {
		return false
	}
	if t != Bomb && t != Eater {
		return false
	}
	return d.Weight == weight
}

// IsTargetFor reports whether a node of the given type, weight and owner
// treats d as something to resolve against rather than stand on.
func (d *Data) IsTargetFor(t Type, weight, owner int) bool {
	return d.IsExplodableBy(t, weight) ||
		d.IsCollapsableBy(t, weight) ||
		(d.Weight < weight && d.Owner != owner)
}
