package engine

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/mapgrid"
	"voxelcombat.gg/internal/sim/tuning"
	"voxelcombat.gg/internal/sim/voxel"
)

var (
	neutralID = uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	redID     = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	blueID    = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func placeAt(t *testing.T, m *mapgrid.Map, row, col int, d voxel.Data) {
	t.Helper()
	id, err := m.Get(row, col, d.Weight)
	if err != nil {
		t.Fatalf("Get(%d,%d,%d): %v", row, col, d.Weight, err)
	}
	m.Place(id, d)
}

// testMap is a 4x4 leaf grid on one heavy ground block with a red eater at
// (0,0), a blue eater at (0,2) and a spawner of a player that is not in
// the room at (3,3).
func testMap(t *testing.T) *mapgrid.Map {
	t.Helper()
	m, err := mapgrid.New(2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Append(0, voxel.New(voxel.Ground, 2, 1, 0, voxel.NeutralOwner))
	placeAt(t, m, 0, 0, voxel.New(voxel.Eater, 0, 1, 1, 1))
	placeAt(t, m, 0, 2, voxel.New(voxel.Eater, 0, 1, 1, 2))
	placeAt(t, m, 3, 3, voxel.New(voxel.Spawner, 0, 1, 1, 3))
	return m
}

func newTestEngine(t *testing.T, m *mapgrid.Map, blueBot protocol.BotType) *Engine {
	t.Helper()
	e := New(m, 3, tuning.Defaults())
	abilities := DefaultAbilities(m.Weight())
	players := []protocol.Player{
		{ID: neutralID, Name: "neutral", BotType: protocol.BotNeutral},
		{ID: redID, Name: "red", BotType: protocol.BotNone},
		{ID: blueID, Name: "blue", BotType: blueBot},
	}
	for i, p := range players {
		if err := e.RegisterPlayer(p, i, abilities); err != nil {
			t.Fatalf("RegisterPlayer(%s): %v", p.Name, err)
		}
	}
	e.CompletePlayerRegistration()
	return e
}

func cellPos(e *Engine, unitID int64) mapgrid.Pos {
	return e.m.Position(e.units[unitID].Ref.Cell)
}

func TestCompletePlayerRegistration_SweepsAndIndexes(t *testing.T) {
	e := newTestEngine(t, testMap(t), protocol.BotNone)
	if got := e.UnitIDs(1); len(got) != 1 || got[0] != 1 {
		t.Fatalf("red units=%v", got)
	}
	if got := e.UnitIDs(2); len(got) != 1 || got[0] != 2 {
		t.Fatalf("blue units=%v", got)
	}
	if got := e.UnitIDs(3); len(got) != 0 {
		t.Fatalf("extra player units survived: %v", got)
	}
	if len(e.Players()) != 3 || len(e.Abilities()) != 3 {
		t.Fatalf("players=%d abilities=%d", len(e.Players()), len(e.Abilities()))
	}
	if err := e.RegisterPlayer(protocol.Player{ID: uuid.New()}, 2, nil); protocol.CodeOf(err) != protocol.AlreadyLaunched {
		t.Fatalf("late registration: %v", err)
	}
}

func TestSubmit_StructuralValidation(t *testing.T) {
	e := newTestEngine(t, testMap(t), protocol.BotNone)
	cases := []struct {
		name   string
		player uuid.UUID
		cmd    protocol.Cmd
		want   error
	}{
		{"unregistered", uuid.New(), protocol.Cmd{Code: protocol.CmdGrow, UnitID: 1}, protocol.ErrNotRegistered},
		{"leave", redID, protocol.Cmd{Code: protocol.CmdLeaveRoom, UnitID: 1}, protocol.ErrNotAllowed},
		{"unknown unit", redID, protocol.Cmd{Code: protocol.CmdGrow, UnitID: 99}, protocol.ErrNotFound},
		{"foreign unit", redID, protocol.Cmd{Code: protocol.CmdGrow, UnitID: 2}, protocol.ErrNotAuthorized},
	}
	for _, tc := range cases {
		if err := e.Submit(tc.player, tc.cmd); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v want %v", tc.name, err, tc.want)
		}
	}
	if err := e.Submit(redID, protocol.Cmd{Code: "DANCE", UnitID: 1}); protocol.CodeOf(err) != protocol.BadRequest {
		t.Fatalf("unknown code: %v", err)
	}
}

func TestTick_CommandsInSubmissionOrderWithStatus(t *testing.T) {
	e := newTestEngine(t, testMap(t), protocol.BotNone)
	must(t, e.Submit(blueID, protocol.Cmd{Code: protocol.CmdGrow, UnitID: 2}))
	must(t, e.Submit(redID, protocol.Cmd{Code: protocol.CmdMove, UnitID: 1, Payload: protocol.CmdPayload{Row: 9, Col: 9}}))
	must(t, e.Submit(redID, protocol.Cmd{Code: protocol.CmdGrow, UnitID: 1}))

	b := e.Tick()
	if b.Tick != 0 || e.CurrentTick() != 1 {
		t.Fatalf("tick=%d current=%d", b.Tick, e.CurrentTick())
	}
	if b.Commands == nil || len(b.Commands) != 3 {
		t.Fatalf("commands=%+v", b.Commands)
	}
	want := []struct {
		player uuid.UUID
		code   protocol.StatusCode
	}{{blueID, protocol.OK}, {redID, protocol.BadRequest}, {redID, protocol.OK}}
	for i, w := range want {
		if b.Commands[i].PlayerID != w.player || b.Commands[i].Code != w.code {
			t.Fatalf("command %d = %+v", i, b.Commands[i])
		}
	}
	if d, _ := e.Unit(1); d.Height() != 2 {
		t.Fatalf("red height=%d", d.Height())
	}

	empty := e.Tick()
	if empty.Commands == nil || len(empty.Commands) != 0 || empty.Tick != 1 {
		t.Fatalf("empty tick=%+v", empty)
	}
}

func TestMove_WalksAndCollapsesEqualEnemy(t *testing.T) {
	e := newTestEngine(t, testMap(t), protocol.BotNone)
	must(t, e.Submit(redID, protocol.Cmd{Code: protocol.CmdMove, UnitID: 1, Payload: protocol.CmdPayload{Row: 0, Col: 2}}))

	e.Tick() // path requested
	b := e.Tick()
	if len(b.Steps) != 1 || b.Steps[0].Col != 1 || b.Steps[0].Altitude != 1 {
		t.Fatalf("first step=%+v", b.Steps)
	}
	if b.Steps[0].Dir != voxel.DirPlusCol {
		t.Fatalf("dir=%d", b.Steps[0].Dir)
	}

	b = e.Tick()
	if len(b.Destroyed) != 1 || b.Destroyed[0] != 2 {
		t.Fatalf("destroyed=%v", b.Destroyed)
	}
	if got := cellPos(e, 1); got != (mapgrid.Pos{Row: 0, Col: 2}) {
		t.Fatalf("red at %+v", got)
	}
	id, _ := e.m.Get(0, 2, 0)
	var collapsed int
	e.m.Column(id).ForEach(func(_ voxel.Slot, d *voxel.Data) bool {
		if d.IsCollapsed() {
			collapsed++
			if d.RealHeight() != 1 || d.State != voxel.Dead {
				t.Fatalf("collapsed node=%+v", d)
			}
		}
		return true
	})
	if collapsed != 1 {
		t.Fatalf("collapsed=%d", collapsed)
	}
	if d, _ := e.Unit(1); d.State != voxel.Idle {
		t.Fatalf("state=%d after arriving", d.State)
	}
}

func TestMove_BombExplodesEnemy(t *testing.T) {
	m, err := mapgrid.New(2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Append(0, voxel.New(voxel.Ground, 2, 1, 0, voxel.NeutralOwner))
	placeAt(t, m, 0, 0, voxel.New(voxel.Bomb, 0, 1, 1, 1))
	placeAt(t, m, 0, 1, voxel.New(voxel.Eater, 0, 1, 1, 2))
	e := newTestEngine(t, m, protocol.BotNone)

	must(t, e.Submit(redID, protocol.Cmd{Code: protocol.CmdMove, UnitID: 1, Payload: protocol.CmdPayload{Row: 0, Col: 1}}))
	e.Tick()
	b := e.Tick()
	if len(b.Destroyed) != 2 {
		t.Fatalf("destroyed=%v", b.Destroyed)
	}
	if len(e.UnitIDs(1)) != 0 || len(e.UnitIDs(2)) != 0 {
		t.Fatalf("units survived the explosion")
	}
}

func TestSplit_FourLighterUnits(t *testing.T) {
	m, err := mapgrid.New(1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Append(0, voxel.New(voxel.Ground, 1, 1, 0, voxel.NeutralOwner))
	m.Append(0, voxel.New(voxel.Eater, 1, 2, 1, 1))
	e := newTestEngine(t, m, protocol.BotNone)

	must(t, e.Submit(redID, protocol.Cmd{Code: protocol.CmdSplit, UnitID: 1}))
	b := e.Tick()
	if b.Commands[0].Code != protocol.OK {
		t.Fatalf("split=%+v", b.Commands[0])
	}
	ids := e.UnitIDs(1)
	if len(ids) != 4 {
		t.Fatalf("units=%v", ids)
	}
	seen := map[mapgrid.Pos]bool{}
	for _, id := range ids {
		d, _ := e.Unit(id)
		if d.Weight != 0 || d.Height() != 2 || d.Altitude != 1 {
			t.Fatalf("unit %d=%+v", id, d)
		}
		seen[cellPos(e, id)] = true
	}
	if len(seen) != 4 {
		t.Fatalf("units share cells: %v", seen)
	}

	must(t, e.Submit(redID, protocol.Cmd{Code: protocol.CmdSplit, UnitID: ids[0]}))
	if b := e.Tick(); b.Commands[0].Code != protocol.NotAllowed {
		t.Fatalf("leaf split=%+v", b.Commands[0])
	}
}

func TestConvertAndCancel(t *testing.T) {
	e := newTestEngine(t, testMap(t), protocol.BotNone)
	must(t, e.Submit(redID, protocol.Cmd{Code: protocol.CmdConvert, UnitID: 1, Payload: protocol.CmdPayload{Type: int(voxel.Bomb)}}))
	must(t, e.Submit(redID, protocol.Cmd{Code: protocol.CmdConvert, UnitID: 1, Payload: protocol.CmdPayload{Type: int(voxel.Ground)}}))
	must(t, e.Submit(redID, protocol.Cmd{Code: protocol.CmdMove, UnitID: 1, Payload: protocol.CmdPayload{Row: 3, Col: 0}}))
	must(t, e.Submit(redID, protocol.Cmd{Code: protocol.CmdCancel, UnitID: 1}))
	b := e.Tick()
	if b.Commands[0].Code != protocol.OK || b.Commands[1].Code != protocol.NotAllowed {
		t.Fatalf("convert codes=%+v", b.Commands)
	}
	if d, _ := e.Unit(1); d.Type != voxel.Bomb || d.State != voxel.Idle {
		t.Fatalf("unit=%+v", d)
	}
	if b := e.Tick(); len(b.Steps) != 0 {
		t.Fatalf("cancelled unit moved: %+v", b.Steps)
	}
}

func TestLeave_NeutralisesAtNextTick(t *testing.T) {
	e := newTestEngine(t, testMap(t), protocol.BotNone)
	must(t, e.Leave(redID))
	if len(e.UnitIDs(1)) != 1 {
		t.Fatalf("leave applied before the tick")
	}
	b := e.Tick()
	if len(b.Commands) != 1 || b.Commands[0].Cmd.Code != protocol.CmdLeaveRoom || b.Commands[0].PlayerIndex != 1 {
		t.Fatalf("bundle=%+v", b.Commands)
	}
	if len(e.UnitIDs(1)) != 0 || len(e.UnitIDs(0)) != 1 {
		t.Fatalf("red=%v neutral=%v", e.UnitIDs(1), e.UnitIDs(0))
	}
	if err := e.Leave(neutralID); !errors.Is(err, protocol.ErrNotAllowed) {
		t.Fatalf("neutral leave: %v", err)
	}
}

func TestDigest_DeterministicReplay(t *testing.T) {
	raw, err := mapgrid.Marshal(testMap(t))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	run := func(extraGrow bool) string {
		m, err := mapgrid.Unmarshal(raw)
		if err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		e := newTestEngine(t, m, protocol.BotNone)
		must(t, e.Submit(redID, protocol.Cmd{Code: protocol.CmdMove, UnitID: 1, Payload: protocol.CmdPayload{Row: 2, Col: 0}}))
		if extraGrow {
			must(t, e.Submit(blueID, protocol.Cmd{Code: protocol.CmdGrow, UnitID: 2}))
		}
		for i := 0; i < 4; i++ {
			e.Tick()
		}
		return e.Digest()
	}
	a, b := run(false), run(false)
	if a != b {
		t.Fatalf("digests differ: %s vs %s", a, b)
	}
	if c := run(true); c == a {
		t.Fatalf("diverging runs share digest %s", c)
	}
}

func TestSnapshot_RestoresUnits(t *testing.T) {
	e := newTestEngine(t, testMap(t), protocol.BotNone)
	must(t, e.Submit(redID, protocol.Cmd{Code: protocol.CmdMove, UnitID: 1, Payload: protocol.CmdPayload{Row: 1, Col: 0}}))
	e.Tick()
	e.Tick()
	snap, err := e.Snapshot(e.CurrentTick(), true)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	m, err := mapgrid.Unmarshal(snap.Map)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	restored := newTestEngine(t, m, protocol.BotNone)
	if restored.Digest() != snap.Digest {
		t.Fatalf("restored digest differs")
	}
	if got := cellPos(restored, 1); got != (mapgrid.Pos{Row: 1, Col: 0}) {
		t.Fatalf("restored red at %+v", got)
	}
}

func TestBot_SubmitsThroughTaskRunner(t *testing.T) {
	e := newTestEngine(t, testMap(t), protocol.BotSimple)
	var got []protocol.Cmd
	bot, ok := NewBot(e, protocol.Player{ID: blueID, BotType: protocol.BotSimple}, func(id uuid.UUID, c protocol.Cmd) error {
		if id != blueID {
			t.Fatalf("bot submitted as %s", id)
		}
		got = append(got, c)
		return e.Submit(id, c)
	}, 7)
	if !ok {
		t.Fatalf("NewBot: player not registered")
	}
	bot.Update()
	bot.Update()
	if e.BotTaskRunner().Pending() != 1 {
		t.Fatalf("pending=%d", e.BotTaskRunner().Pending())
	}
	e.BotTaskRunner().Update()
	if len(got) != 1 || got[0].UnitID != 2 || got[0].Code != protocol.CmdMove {
		t.Fatalf("bot commands=%+v", got)
	}
	b := e.Tick()
	if len(b.Commands) != 1 || b.Commands[0].PlayerIndex != 2 {
		t.Fatalf("bundle=%+v", b.Commands)
	}
}

func TestBot_CountsRejectedCommands(t *testing.T) {
	e := newTestEngine(t, testMap(t), protocol.BotSimple)
	bot, ok := NewBot(e, protocol.Player{ID: blueID, BotType: protocol.BotSimple}, func(uuid.UUID, protocol.Cmd) error {
		return protocol.ErrPaused
	}, 7)
	if !ok {
		t.Fatalf("NewBot: player not registered")
	}
	bot.Update()
	e.BotTaskRunner().Update()
	n, err := bot.Rejected()
	if n != 1 || !errors.Is(err, protocol.ErrPaused) {
		t.Fatalf("rejected=%d err=%v", n, err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}
