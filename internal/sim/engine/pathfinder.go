package engine

import (
	"voxelcombat.gg/internal/sim/mapgrid"
	"voxelcombat.gg/internal/sim/voxel"
)

type PathRequest struct {
	UnitID int64
	From   mapgrid.Pos
	To     mapgrid.Pos
	Weight int
	Type   voxel.Type
	Owner  int
}

// PathResult holds the cells to walk through, From excluded and To
// included. An empty path means the goal is unreachable.
type PathResult struct {
	UnitID int64
	Path   []mapgrid.Pos
}

// PathFinder answers queued requests with a breadth-first search over the
// cells of the unit's weight. Results are kept in request order until
// drained so the engine applies them at tick boundaries only.
type PathFinder struct {
	m         *mapgrid.Map
	perUpdate int
	maxNodes  int

	queue []PathRequest
	done  []PathResult
}

func NewPathFinder(m *mapgrid.Map, perUpdate, maxNodes int) *PathFinder {
	if perUpdate <= 0 {
		perUpdate = 1
	}
	if maxNodes <= 0 {
		maxNodes = 4096
	}
	return &PathFinder{m: m, perUpdate: perUpdate, maxNodes: maxNodes}
}

// Find queues req, replacing any queued request of the same unit.
func (p *PathFinder) Find(req PathRequest) {
	p.Cancel(req.UnitID)
	p.queue = append(p.queue, req)
}

// Cancel drops queued and finished requests of a unit.
func (p *PathFinder) Cancel(unitID int64) {
	q := p.queue[:0]
	for _, r := range p.queue {
		if r.UnitID != unitID {
			q = append(q, r)
		}
	}
	p.queue = q
	d := p.done[:0]
	for _, r := range p.done {
		if r.UnitID != unitID {
			d = append(d, r)
		}
	}
	p.done = d
}

func (p *PathFinder) Pending() int { return len(p.queue) }

// Update solves up to the per-update budget of requests.
func (p *PathFinder) Update() int {
	n := 0
	for n < p.perUpdate && len(p.queue) > 0 {
		p.solveNext()
		n++
	}
	return n
}

// Flush solves every queued request.
func (p *PathFinder) Flush() {
	for len(p.queue) > 0 {
		p.solveNext()
	}
}

// Drain returns and clears the finished results.
func (p *PathFinder) Drain() []PathResult {
	out := p.done
	p.done = nil
	return out
}

func (p *PathFinder) solveNext() {
	req := p.queue[0]
	p.queue = p.queue[1:]
	p.done = append(p.done, PathResult{UnitID: req.UnitID, Path: p.search(req)})
}

var neighbours = [4]mapgrid.Pos{{Row: 1}, {Col: -1}, {Row: -1}, {Col: 1}}

func (p *PathFinder) search(req PathRequest) []mapgrid.Pos {
	if req.From == req.To {
		return nil
	}
	size := p.m.Size(req.Weight)
	prev := map[mapgrid.Pos]mapgrid.Pos{req.From: req.From}
	frontier := []mapgrid.Pos{req.From}
	for len(frontier) > 0 && len(prev) <= p.maxNodes {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, d := range neighbours {
			next := mapgrid.Pos{Row: cur.Row + d.Row, Col: cur.Col + d.Col}
			if next.Row < 0 || next.Col < 0 || next.Row >= size || next.Col >= size {
				continue
			}
			if _, seen := prev[next]; seen {
				continue
			}
			if !p.passable(next, req) {
				continue
			}
			prev[next] = cur
			if next == req.To {
				return walkBack(prev, req.From, next)
			}
			frontier = append(frontier, next)
		}
	}
	return nil
}

func (p *PathFinder) passable(pos mapgrid.Pos, req PathRequest) bool {
	id, err := p.m.Get(pos.Row, pos.Col, req.Weight)
	if err != nil {
		return false
	}
	beneath, _ := p.m.DefaultTargetFor(id, req.Type, req.Weight, req.Owner, false, req.Owner)
	return beneath.Valid()
}

func walkBack(prev map[mapgrid.Pos]mapgrid.Pos, from, to mapgrid.Pos) []mapgrid.Pos {
	var path []mapgrid.Pos
	for cur := to; cur != from; cur = prev[cur] {
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
