package match

import (
	"context"
	"encoding/json"
	"sort"
	"sync/atomic"

	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/mapgrid"
	"voxelcombat.gg/internal/sim/voxel"
)

const observerBuffer = 4096

// Materialized counts the cells covered by at least one observer window.
// It is shared by every camera of a runtime, so it only sees the global
// transitions of a cell's usage count.
type Materialized struct {
	cells atomic.Int64
}

func (p *Materialized) Acquire(*mapgrid.Map, mapgrid.CellID) { p.cells.Add(1) }
func (p *Materialized) Release(*mapgrid.Map, mapgrid.CellID) { p.cells.Add(-1) }
func (p *Materialized) Cells() int64                         { return p.cells.Load() }

type observer struct {
	cam     *mapgrid.Camera
	visible map[mapgrid.CellID]struct{}
	out     chan []byte
}

// Observe subscribes a spectator window to a running match. The returned
// id is used for Move and Unobserve.
func (r *Runtime) Observe(ctx context.Context, sub protocol.SubscribeMsg) (uint64, <-chan []byte, error) {
	var (
		id  uint64
		out chan []byte
	)
	err := r.Call(ctx, func(s *Server) error {
		e := s.Engine()
		if e == nil || s.State() == Destroyed {
			return protocol.Errorf(protocol.NotAllowed, "match %s not running", s.MatchID())
		}
		cam, err := mapgrid.NewCamera(e.Map(), sub.Radius, sub.Weight, &r.proxies)
		if err != nil {
			return protocol.Errorf(protocol.BadRequest, "%v", err)
		}
		cam.SetPosition(sub.Row, sub.Col)
		cam.SetOn(true)

		r.nextObs++
		id = r.nextObs
		out = make(chan []byte, observerBuffer)
		o := &observer{cam: cam, visible: map[mapgrid.CellID]struct{}{}, out: out}
		r.observers[id] = o
		r.reframe(o)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return id, out, nil
}

// Move shifts an observer window.
func (r *Runtime) Move(id uint64, dRow, dCol int) bool {
	return r.Post(func(*Server) {
		o, ok := r.observers[id]
		if !ok {
			return
		}
		o.cam.Move(dRow, dCol)
		r.reframe(o)
	})
}

// Unobserve removes an observer and closes its channel.
func (r *Runtime) Unobserve(id uint64) {
	r.Post(func(*Server) { r.dropObserver(id) })
}

func (r *Runtime) dropObserver(id uint64) {
	o, ok := r.observers[id]
	if !ok {
		return
	}
	delete(r.observers, id)
	o.cam.SetOn(false)
	close(o.out)
}

// Materialized returns the number of cells currently covered by observers.
func (r *Runtime) Materialized() int64 { return r.proxies.Cells() }

// window lists the cells of the camera grid inside the window and all of
// their descendants.
func window(m *mapgrid.Map, cam *mapgrid.Camera) map[mapgrid.CellID]struct{} {
	out := map[mapgrid.CellID]struct{}{}
	if !cam.IsOn() {
		return out
	}
	size := m.Size(cam.Weight())
	fromRow, toRow := max(0, cam.Row()-cam.Radius()), min(size-1, cam.Row()+cam.Radius())
	fromCol, toCol := max(0, cam.Col()-cam.Radius()), min(size-1, cam.Col()+cam.Radius())
	for i := fromRow; i <= toRow; i++ {
		for j := fromCol; j <= toCol; j++ {
			id, err := m.Get(i, j, cam.Weight())
			if err != nil {
				continue
			}
			m.Walk(id, func(c mapgrid.CellID) { out[c] = struct{}{} })
		}
	}
	return out
}

// reframe sends the cells that entered and left the window of o.
func (r *Runtime) reframe(o *observer) {
	e := r.srv.Engine()
	if e == nil {
		return
	}
	m := e.Map()
	tick := e.CurrentTick()
	next := window(m, o.cam)
	for id := range o.visible {
		if _, ok := next[id]; !ok {
			r.sendObserver(o, cellMsg(m, tick, id, false))
		}
	}
	for _, id := range sortedCells(next) {
		if _, ok := o.visible[id]; !ok {
			r.sendObserver(o, cellMsg(m, tick, id, true))
		}
	}
	o.visible = next
}

// streamTicks drains the map changes of the ticks that just ran and sends
// the visible part of them to every observer.
func (r *Runtime) streamTicks() {
	e := r.srv.Engine()
	if e == nil {
		return
	}
	m := e.Map()
	touched := m.DrainTouched()
	changes := m.DrainAltitudeChanges()
	if len(r.observers) == 0 {
		return
	}
	tick := e.CurrentTick() - 1
	for _, o := range r.observers {
		for _, id := range touched {
			if _, ok := o.visible[id]; ok {
				r.sendObserver(o, cellMsg(m, tick, id, true))
			}
		}
		var visible []protocol.AltitudeChange
		for _, c := range changes {
			if _, ok := o.visible[c.Ref.Cell]; !ok {
				continue
			}
			unit := voxel.NoUnit
			if m.Exists(c.Ref) {
				unit = m.Voxel(c.Ref).UnitID
			}
			visible = append(visible, protocol.AltitudeChange{Cell: int32(c.Ref.Cell), UnitID: unit, From: c.From, To: c.To})
		}
		if len(visible) > 0 {
			r.sendObserver(o, protocol.AltitudesMsg{
				Type:            protocol.TypeAltitudes,
				ProtocolVersion: protocol.ObserverVersion,
				Tick:            tick,
				Changes:         visible,
			})
		}
	}
}

func (r *Runtime) sendObserver(o *observer, msg any) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case o.out <- b:
	default:
		// Observers never hold up the match; a lagging one misses updates
		// until it moves its window.
	}
}

func cellMsg(m *mapgrid.Map, tick int64, id mapgrid.CellID, visible bool) protocol.CellMsg {
	pos := m.Position(id)
	msg := protocol.CellMsg{
		Type:            protocol.TypeCell,
		ProtocolVersion: protocol.ObserverVersion,
		Tick:            tick,
		Cell:            int32(id),
		Row:             pos.Row,
		Col:             pos.Col,
		Weight:          m.CellWeight(id),
		Visible:         visible,
	}
	if !visible {
		return msg
	}
	m.Column(id).ForEach(func(_ voxel.Slot, d *voxel.Data) bool {
		msg.Voxels = append(msg.Voxels, protocol.VoxelView{
			Type:      int(d.Type),
			Weight:    d.Weight,
			Height:    d.RealHeight(),
			Altitude:  d.Altitude,
			Owner:     d.Owner,
			Dir:       d.Dir,
			Health:    d.Health,
			UnitID:    d.UnitID,
			Collapsed: d.IsCollapsed(),
		})
		return true
	})
	return msg
}

func sortedCells(set map[mapgrid.CellID]struct{}) []mapgrid.CellID {
	out := make([]mapgrid.CellID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
