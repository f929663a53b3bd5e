package match

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"voxelcombat.gg/internal/persistence/mapstore"
	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/mapgrid"
	"voxelcombat.gg/internal/sim/tuning"
	"voxelcombat.gg/internal/sim/voxel"
)

var (
	serverID    = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	redID       = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	blueID      = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	clientA     = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	clientB     = uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")
	spectatorID = uuid.MustParse("cccccccc-cccc-cccc-cccc-cccccccccccc")
)

type recorder struct {
	msgs map[uuid.UUID][]any
}

func (r *recorder) Send(id uuid.UUID, msg any) {
	if r.msgs == nil {
		r.msgs = map[uuid.UUID][]any{}
	}
	r.msgs[id] = append(r.msgs[id], msg)
}

func sent[T any](r *recorder, id uuid.UUID) []T {
	var out []T
	for _, m := range r.msgs[id] {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// saveArena stores a 4x4 map with one red and one blue eater.
func saveArena(t *testing.T, store *mapstore.Store) {
	t.Helper()
	m, err := mapgrid.New(2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Append(0, voxel.New(voxel.Ground, 2, 1, 0, voxel.NeutralOwner))
	for _, u := range []struct{ row, col, owner int }{{0, 0, 1}, {0, 2, 2}} {
		id, err := m.Get(u.row, u.col, 0)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		m.Place(id, voxel.New(voxel.Eater, 0, 1, 1, u.owner))
	}
	info := protocol.MapInfo{ID: "arena", Name: "Arena", SupportedModes: []protocol.GameMode{protocol.ModeFreeForAll}, MaxPlayers: 2}
	if err := store.Save(info, m); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

type fixture struct {
	srv   *Server
	out   *recorder
	now   time.Duration
	store *mapstore.Store
}

func testConfig(store *mapstore.Store) Config {
	return Config{
		MatchID:  "m1",
		MapID:    "arena",
		ServerID: serverID,
		Players: []protocol.Player{
			{ID: redID, Name: "red", BotType: protocol.BotNone},
			{ID: blueID, Name: "blue", BotType: protocol.BotNone},
		},
		Clients: []protocol.ClientPlayers{
			{ClientID: clientA, Players: []uuid.UUID{redID}},
			{ClientID: clientB, Players: []uuid.UUID{blueID}},
			{ClientID: spectatorID},
		},
		Tuning: tuning.Defaults(),
		Maps:   store,
	}
}

func newFixture(t *testing.T, withMap bool) *fixture {
	t.Helper()
	f := &fixture{out: &recorder{}, store: mapstore.New(t.TempDir())}
	if withMap {
		saveArena(t, f.store)
	}
	cfg := testConfig(f.store)
	cfg.Outbox = f.out
	cfg.Clock = func() time.Duration { return f.now }
	srv, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.Worker().Close)
	f.srv = srv
	return f
}

func (f *fixture) dispatch(t *testing.T) {
	t.Helper()
	select {
	case c := <-f.srv.Worker().Completions():
		if !f.srv.Worker().Dispatch(c) {
			t.Fatalf("completion dropped")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no completion")
	}
}

func (f *fixture) joinAndReady(t *testing.T) {
	t.Helper()
	for _, id := range []uuid.UUID{clientA, clientB} {
		must(t, f.srv.RegisterClient(id))
	}
	for _, id := range []uuid.UUID{clientA, clientB} {
		must(t, f.srv.ReadyToPlay(id))
	}
	f.dispatch(t)
	if f.srv.State() != PingHandshake {
		t.Fatalf("state=%v err=%v", f.srv.State(), f.srv.LoadError())
	}
}

func (f *fixture) pong(t *testing.T, rounds int, ids ...uuid.UUID) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		for _, id := range ids {
			f.now += 10 * time.Millisecond
			must(t, f.srv.Pong(id))
		}
	}
}

func (f *fixture) launch(t *testing.T) {
	t.Helper()
	f.joinAndReady(t)
	f.pong(t, 3, clientA, clientB)
	if f.srv.State() != Running {
		t.Fatalf("state=%v", f.srv.State())
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestServer_HandshakeThenTicks(t *testing.T) {
	f := newFixture(t, true)
	f.launch(t)

	for _, id := range []uuid.UUID{clientA, clientB} {
		all := sent[protocol.ReadyToPlayAllMsg](f.out, id)
		if len(all) != 1 {
			t.Fatalf("client %s got %d READY_TO_PLAY_ALL", id, len(all))
		}
		if len(all[0].Players) != 3 || all[0].Players[0].ID != NeutralID("m1") {
			t.Fatalf("players=%+v", all[0].Players)
		}
		if len(all[0].Abilities) != 3 || all[0].Room.MapInfo.Name != "Arena" {
			t.Fatalf("abilities=%d room=%+v", len(all[0].Abilities), all[0].Room)
		}
		pings := sent[protocol.PingMsg](f.out, id)
		if len(pings) < 3 {
			t.Fatalf("client %s pings=%d", id, len(pings))
		}
	}
	if sent[protocol.ReadyToPlayAllMsg](f.out, spectatorID) != nil {
		t.Fatalf("unregistered client was messaged")
	}

	must(t, f.srv.Submit(clientA, redID, protocol.Cmd{Code: protocol.CmdGrow, UnitID: 1}))
	if n := f.srv.Update(99 * time.Millisecond); n != 0 {
		t.Fatalf("ticked early: %d", n)
	}
	if n := f.srv.Update(time.Millisecond); n != 1 {
		t.Fatalf("ticks=%d", n)
	}
	if n := f.srv.Update(100 * time.Millisecond); n != 1 {
		t.Fatalf("ticks=%d", n)
	}

	ticks := sent[protocol.TickMsg](f.out, clientB)
	if len(ticks) != 2 || ticks[0].Bundle.Tick != 0 || ticks[1].Bundle.Tick != 1 {
		t.Fatalf("ticks=%+v", ticks)
	}
	cmds := ticks[0].Bundle.Commands
	if len(cmds) != 1 || cmds[0].PlayerID != redID || cmds[0].Code != protocol.OK {
		t.Fatalf("tick 0 commands=%+v", cmds)
	}
	if ticks[1].Bundle.Commands == nil || len(ticks[1].Bundle.Commands) != 0 {
		t.Fatalf("tick 1 commands=%+v", ticks[1].Bundle.Commands)
	}

	rep, err := f.srv.GetReplay(clientA)
	must(t, err)
	if len(rep.Commands) != 1 || rep.Commands[0].Tick != 0 || len(rep.Players) != 3 || len(rep.Map) == 0 {
		t.Fatalf("replay=%+v", rep)
	}
}

func TestServer_UpdateDefersCatchUpTicks(t *testing.T) {
	f := newFixture(t, true)
	f.launch(t)

	if n := f.srv.Update(time.Second); n != 5 {
		t.Fatalf("first update ticks=%d", n)
	}
	if n := f.srv.Update(0); n != 5 {
		t.Fatalf("second update ticks=%d", n)
	}
	if n := f.srv.Update(0); n != 0 {
		t.Fatalf("third update ticks=%d", n)
	}
	if f.srv.Tick() != 10 {
		t.Fatalf("tick=%d", f.srv.Tick())
	}
}

func TestServer_SubmitGating(t *testing.T) {
	f := newFixture(t, true)
	grow := protocol.Cmd{Code: protocol.CmdGrow, UnitID: 1}

	if err := f.srv.Submit(clientA, redID, grow); !errors.Is(err, protocol.ErrNotRegistered) {
		t.Fatalf("unregistered submit: %v", err)
	}
	must(t, f.srv.RegisterClient(clientA))
	if err := f.srv.Submit(clientA, redID, grow); !errors.Is(err, protocol.ErrNotAllowed) {
		t.Fatalf("submit before launch: %v", err)
	}
	must(t, f.srv.RegisterClient(clientB))
	must(t, f.srv.ReadyToPlay(clientA))
	must(t, f.srv.ReadyToPlay(clientB))
	f.dispatch(t)
	f.pong(t, 3, clientA, clientB)

	must(t, f.srv.Pause(clientA, true))
	if got := sent[protocol.PausedMsg](f.out, clientB); len(got) != 1 || !got[0].Paused {
		t.Fatalf("blue paused msgs=%+v", got)
	}
	if got := sent[protocol.PausedMsg](f.out, clientA); len(got) != 0 {
		t.Fatalf("requester was told: %+v", got)
	}
	if err := f.srv.Submit(clientA, redID, grow); protocol.CodeOf(err) != protocol.Paused {
		t.Fatalf("paused submit: %v", err)
	}
	if n := f.srv.Update(time.Second); n != 0 {
		t.Fatalf("ticked while paused: %d", n)
	}
	must(t, f.srv.Pause(clientB, false))
	must(t, f.srv.Submit(clientA, redID, grow))

	if err := f.srv.Submit(clientA, redID, protocol.Cmd{Code: protocol.CmdLeaveRoom}); !errors.Is(err, protocol.ErrNotAllowed) {
		t.Fatalf("leave room: %v", err)
	}
	if err := f.srv.Submit(clientA, blueID, protocol.Cmd{Code: protocol.CmdGrow, UnitID: 2}); !errors.Is(err, protocol.ErrNotAuthorized) {
		t.Fatalf("foreign player: %v", err)
	}
}

func TestServer_RegisterClientRules(t *testing.T) {
	f := newFixture(t, true)
	if err := f.srv.RegisterClient(uuid.New()); !errors.Is(err, protocol.ErrNotRegistered) {
		t.Fatalf("stranger: %v", err)
	}
	f.launch(t)
	if err := f.srv.RegisterClient(spectatorID); !errors.Is(err, protocol.ErrAlreadyLaunched) {
		t.Fatalf("late join: %v", err)
	}
	if err := f.srv.ReadyToPlay(clientA); !errors.Is(err, protocol.ErrAlreadyLaunched) {
		t.Fatalf("ready after launch: %v", err)
	}
	must(t, f.srv.RegisterClient(clientA))
}

func TestServer_CancelAllDropsMapLoad(t *testing.T) {
	f := newFixture(t, true)
	must(t, f.srv.RegisterClient(clientA))
	must(t, f.srv.RegisterClient(clientB))
	must(t, f.srv.ReadyToPlay(clientA))
	must(t, f.srv.ReadyToPlay(clientB))
	f.srv.CancelAll()

	select {
	case c := <-f.srv.Worker().Completions():
		if f.srv.Worker().Dispatch(c) {
			t.Fatalf("cancelled completion dispatched")
		}
	case <-time.After(200 * time.Millisecond):
	}
	if f.srv.State() != AwaitingReady {
		t.Fatalf("state=%v", f.srv.State())
	}

	must(t, f.srv.ReadyToPlay(clientA))
	f.dispatch(t)
	if f.srv.State() != PingHandshake {
		t.Fatalf("state after retry=%v", f.srv.State())
	}
}

func TestServer_MapLoadFailureResetsReadiness(t *testing.T) {
	f := newFixture(t, false)
	must(t, f.srv.RegisterClient(clientA))
	must(t, f.srv.RegisterClient(clientB))
	must(t, f.srv.ReadyToPlay(clientA))
	must(t, f.srv.ReadyToPlay(clientB))
	f.dispatch(t)

	if f.srv.State() != AwaitingReady {
		t.Fatalf("state=%v", f.srv.State())
	}
	if !errors.Is(f.srv.LoadError(), protocol.ErrNotFound) {
		t.Fatalf("load err=%v", f.srv.LoadError())
	}
	if st := f.srv.Status(); st.Ready != 0 || st.Clients != 2 {
		t.Fatalf("status=%+v", st)
	}
}

func TestServer_DownloadMapData(t *testing.T) {
	f := newFixture(t, true)
	must(t, f.srv.RegisterClient(clientA))

	var got []byte
	var gotErr error
	f.srv.DownloadMapData(clientA, func(b []byte, err error) { got, gotErr = b, err })
	f.dispatch(t)
	must(t, gotErr)
	d, err := mapstore.Decode(got)
	must(t, err)
	if d.Info.ID != "arena" {
		t.Fatalf("info=%+v", d.Info)
	}

	empty := newFixture(t, false)
	must(t, empty.srv.RegisterClient(clientA))
	empty.srv.DownloadMapData(clientA, func(b []byte, err error) { gotErr = err })
	empty.dispatch(t)
	if !errors.Is(gotErr, protocol.ErrNotFound) {
		t.Fatalf("missing map: %v", gotErr)
	}
}

func TestServer_DisconnectDuringHandshake(t *testing.T) {
	f := newFixture(t, true)
	f.joinAndReady(t)
	f.pong(t, 3, clientB)
	if f.srv.State() != PingHandshake {
		t.Fatalf("state=%v", f.srv.State())
	}

	if err := f.srv.SetClientDisconnected(clientB, []uuid.UUID{clientA}); !errors.Is(err, protocol.ErrNotAuthorized) {
		t.Fatalf("client disconnecting peer: %v", err)
	}
	must(t, f.srv.SetClientDisconnected(serverID, []uuid.UUID{clientA}))
	if f.srv.State() != Running {
		t.Fatalf("state=%v", f.srv.State())
	}
	if len(sent[protocol.ReadyToPlayAllMsg](f.out, clientB)) != 1 || len(sent[protocol.ReadyToPlayAllMsg](f.out, clientA)) != 0 {
		t.Fatalf("ready-all fan-out wrong")
	}

	f.srv.Update(100 * time.Millisecond)
	ticks := sent[protocol.TickMsg](f.out, clientB)
	if len(ticks) != 1 {
		t.Fatalf("ticks=%d", len(ticks))
	}
	cmds := ticks[0].Bundle.Commands
	if len(cmds) != 1 || cmds[0].Cmd.Code != protocol.CmdLeaveRoom || cmds[0].PlayerID != redID {
		t.Fatalf("commands=%+v", cmds)
	}
	if ids := f.srv.Engine().UnitIDs(1); len(ids) != 0 {
		t.Fatalf("red still owns units %v", ids)
	}

	// Reconnecting brings the client back without its players.
	must(t, f.srv.RegisterClient(clientA))
	if err := f.srv.Submit(clientA, redID, protocol.Cmd{Code: protocol.CmdGrow, UnitID: 1}); err == nil {
		t.Fatalf("neutralised unit accepted a command")
	}
}

func TestServer_ReconnectDuringHandshakeIsPinged(t *testing.T) {
	f := newFixture(t, true)
	f.joinAndReady(t)
	f.pong(t, 1, clientA, clientB)
	must(t, f.srv.SetClientDisconnected(serverID, []uuid.UUID{clientA}))

	f.now += 100 * time.Millisecond
	before := len(sent[protocol.PingMsg](f.out, clientA))
	must(t, f.srv.RegisterClient(clientA))
	if got := len(sent[protocol.PingMsg](f.out, clientA)); got != before+1 {
		t.Fatalf("PINGs on reconnect=%d, want 1", got-before)
	}

	// B completing its window alone must not launch while A is back.
	f.pong(t, 2, clientB)
	if f.srv.State() != PingHandshake {
		t.Fatalf("state=%v", f.srv.State())
	}

	f.pong(t, 1, clientA)
	pings := sent[protocol.PingMsg](f.out, clientA)
	// 30ms since the reconnect ping over a window of 3.
	if last := pings[len(pings)-1]; last.RTTMs != 10 {
		t.Fatalf("rtt=%dms, want 10ms", last.RTTMs)
	}
	f.pong(t, 2, clientA)
	if f.srv.State() != Running {
		t.Fatalf("state=%v", f.srv.State())
	}
}

func TestServer_DestroyRemovesNeutral(t *testing.T) {
	f := newFixture(t, true)
	f.launch(t)
	f.srv.Destroy()

	if f.srv.State() != Destroyed {
		t.Fatalf("state=%v", f.srv.State())
	}
	for _, id := range f.srv.Room().Players {
		if id == NeutralID("m1") {
			t.Fatalf("neutral still in room")
		}
	}
	if len(f.srv.Room().Players) != 2 {
		t.Fatalf("room players=%v", f.srv.Room().Players)
	}
	if err := f.srv.RegisterClient(clientA); !errors.Is(err, protocol.ErrNotAllowed) {
		t.Fatalf("register after destroy: %v", err)
	}
	if n := f.srv.Update(time.Second); n != 0 {
		t.Fatalf("ticked after destroy")
	}
}

func TestServer_PlaybackRejectsCommands(t *testing.T) {
	f := newFixture(t, true)
	f.launch(t)
	must(t, f.srv.Submit(clientA, redID, protocol.Cmd{Code: protocol.CmdGrow, UnitID: 1}))
	f.srv.Update(300 * time.Millisecond)
	rep, err := f.srv.GetReplay(clientA)
	must(t, err)
	want := ReplayPlayers("m1", testConfig(nil).Players)
	if len(rep.Players) != len(want) {
		t.Fatalf("players=%+v want %+v", rep.Players, want)
	}
	for i := range want {
		if rep.Players[i] != want[i] {
			t.Fatalf("player %d=%+v want %+v", i, rep.Players[i], want[i])
		}
	}

	cfg := testConfig(nil)
	cfg.MatchID = "m1-replay"
	cfg.Maps = nil
	cfg.Playback = &rep
	out := &recorder{}
	cfg.Outbox = out
	p, err := NewServer(cfg, nil)
	must(t, err)
	defer p.Worker().Close()

	pf := &fixture{srv: p, out: out}
	pf.launch(t)
	if err := p.Submit(clientA, redID, protocol.Cmd{Code: protocol.CmdGrow, UnitID: 1}); !errors.Is(err, protocol.ErrNotAllowed) {
		t.Fatalf("playback submit: %v", err)
	}
	p.Update(300 * time.Millisecond)
	if p.Engine().Digest() != f.srv.Engine().Digest() {
		t.Fatalf("playback diverged")
	}
}
