package voxel

// Directions, clockwise:
//
//	      2 (-row)
//	1 (-col)   3 (+col)
//	      0 (+row)
const (
	DirPlusRow = iota
	DirMinusCol
	DirMinusRow
	DirPlusCol
)

func RotateRight(dir int) int {
	dir++
	if dir > 3 {
		dir = 0
	}
	return dir
}

func RotateLeft(dir int) int {
	dir--
	if dir < 0 {
		dir = 3
	}
	return dir
}

// DirFor returns the direction that faces a step of (dRow, dCol). Rows win
// over columns for diagonal steps; a zero step keeps dir.
func DirFor(dir, dRow, dCol int) int {
	switch {
	case dRow > 0:
		return DirPlusRow
	case dRow < 0:
		return DirMinusRow
	case dCol > 0:
		return DirPlusCol
	case dCol < 0:
		return DirMinusCol
	}
	return dir
}

// ShouldRotateRight returns how many RotateRight calls turn a node facing
// dir towards a step of (dRow, dCol), or 0 when turning left is shorter.
// Half turns are made to the right.
func ShouldRotateRight(dir, dRow, dCol int) int {
	n := (DirFor(dir, dRow, dCol) - dir + 4) % 4
	if n == 3 {
		return 0
	}
	return n
}

// ShouldRotateLeft returns how many RotateLeft calls turn a node facing dir
// towards a step of (dRow, dCol), or 0 when turning right is no longer.
func ShouldRotateLeft(dir, dRow, dCol int) int {
	if (DirFor(dir, dRow, dCol)-dir+4)%4 == 3 {
		return 1
	}
	return 0
}
