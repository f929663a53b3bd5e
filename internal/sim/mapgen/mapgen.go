// Package mapgen builds playable maps: a ground plate covering the whole
// grid, one eater per player on the rim, neutral hills and eatables.
package mapgen

import (
	"errors"
	"fmt"
	"math/rand"

	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/mapgrid"
	"voxelcombat.gg/internal/sim/voxel"
)

// MaxPlayers is the number of spawn points on the rim.
const MaxPlayers = 8

var ErrTooManyPlayers = errors.New("too many players for map")

type Params struct {
	ID       string
	Name     string
	Weight   int
	Players  int
	Seed     int64
	Hills    int
	Eatables int
	// MaxHillHeight bounds the height of generated hills; 0 means 3.
	MaxHillHeight int
}

// Generate builds a map for p. The same Params always produce the same map.
func Generate(p Params) (*mapgrid.Map, protocol.MapInfo, error) {
	info := protocol.MapInfo{
		ID:             p.ID,
		Name:           p.Name,
		SupportedModes: []protocol.GameMode{protocol.ModeFreeForAll},
		MaxPlayers:     p.Players,
	}
	if info.Name == "" {
		info.Name = p.ID
	}
	if p.Players < 1 || p.Players > MaxPlayers {
		return nil, info, fmt.Errorf("%d players: %w", p.Players, ErrTooManyPlayers)
	}
	m, err := mapgrid.New(p.Weight)
	if err != nil {
		return nil, info, err
	}
	size := m.Size(0)
	spawns := spawnPoints(size)
	if len(spawns) < p.Players {
		return nil, info, fmt.Errorf("%d players on a %dx%d grid: %w", p.Players, size, size, ErrTooManyPlayers)
	}

	m.Append(0, voxel.New(voxel.Ground, p.Weight, 1, 0, voxel.NeutralOwner))

	used := map[mapgrid.Pos]bool{}
	for i := 0; i < p.Players; i++ {
		pos := spawns[i]
		if err := place(m, pos, voxel.New(voxel.Eater, 0, 1, 1, i+1)); err != nil {
			return nil, info, err
		}
		used[pos] = true
	}

	maxHill := p.MaxHillHeight
	if maxHill <= 0 {
		maxHill = 3
	}
	rng := rand.New(rand.NewSource(p.Seed))
	free := size*size - len(used)
	for i := 0; i < p.Hills && free > 0; i++ {
		pos := freeCell(rng, size, used)
		h := 1 + rng.Intn(maxHill)
		if err := place(m, pos, voxel.New(voxel.Ground, 0, h, 1, voxel.NeutralOwner)); err != nil {
			return nil, info, err
		}
		free--
	}
	for i := 0; i < p.Eatables && free > 0; i++ {
		pos := freeCell(rng, size, used)
		if err := place(m, pos, voxel.New(voxel.Eatable, 0, 1, 1, voxel.NeutralOwner)); err != nil {
			return nil, info, err
		}
		free--
	}
	return m, info, nil
}

func place(m *mapgrid.Map, pos mapgrid.Pos, d voxel.Data) error {
	id, err := m.Get(pos.Row, pos.Col, 0)
	if err != nil {
		return err
	}
	m.Place(id, d)
	return nil
}

// freeCell picks an unused weight 0 cell and marks it used. Callers make
// sure one exists.
func freeCell(rng *rand.Rand, size int, used map[mapgrid.Pos]bool) mapgrid.Pos {
	for {
		pos := mapgrid.Pos{Row: rng.Intn(size), Col: rng.Intn(size)}
		if !used[pos] {
			used[pos] = true
			return pos
		}
	}
}

// spawnPoints lists the distinct rim positions of a size x size grid:
// corners first, then edge midpoints.
func spawnPoints(size int) []mapgrid.Pos {
	last, mid := size-1, size/2
	candidates := []mapgrid.Pos{
		{Row: 0, Col: 0},
		{Row: last, Col: last},
		{Row: 0, Col: last},
		{Row: last, Col: 0},
		{Row: 0, Col: mid},
		{Row: last, Col: mid},
		{Row: mid, Col: 0},
		{Row: mid, Col: last},
	}
	seen := map[mapgrid.Pos]bool{}
	out := make([]mapgrid.Pos, 0, len(candidates))
	for _, p := range candidates {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
