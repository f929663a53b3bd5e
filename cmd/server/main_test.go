package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"voxelcombat.gg/internal/match"
	persistlog "voxelcombat.gg/internal/persistence/log"
	"voxelcombat.gg/internal/persistence/mapstore"
	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/mapgrid"
	"voxelcombat.gg/internal/sim/rooms"
	"voxelcombat.gg/internal/sim/tuning"
	"voxelcombat.gg/internal/sim/voxel"
)

func TestOpenIndexes_Backends(t *testing.T) {
	dir := t.TempDir()

	t.Setenv("VXC_INDEX_BACKEND", "none")
	idx, err := openIndexes(dir, "srv", false, nil)
	if err != nil || idx.sqlite != nil || idx.remote != nil || idx.history() != nil {
		t.Fatalf("none: idx=%+v err=%v", idx, err)
	}

	t.Setenv("VXC_INDEX_BACKEND", "remote")
	if _, err := openIndexes(dir, "srv", false, nil); err == nil {
		t.Fatalf("remote without endpoint should fail")
	}
	t.Setenv("VXC_INDEX_BACKEND", "bogus")
	if _, err := openIndexes(dir, "srv", false, nil); err == nil {
		t.Fatalf("unknown backend should fail")
	}

	t.Setenv("VXC_INDEX_BACKEND", "")
	idx, err = openIndexes(dir, "srv", false, nil)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if idx.sqlite == nil || idx.history() == nil || len(idx.sinks()) != 1 {
		t.Fatalf("sqlite: idx=%+v", idx)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx, err = openIndexes(dir, "srv", true, nil)
	if err != nil || len(idx.sinks()) != 0 {
		t.Fatalf("disabled: idx=%+v err=%v", idx, err)
	}
}

func TestMatchEnv_RecordsAndReplays(t *testing.T) {
	dir := t.TempDir()
	store := mapstore.New(dir)
	m, err := mapgrid.New(2)
	if err != nil {
		t.Fatalf("mapgrid: %v", err)
	}
	m.Append(0, voxel.New(voxel.Ground, 2, 1, 0, voxel.NeutralOwner))
	for _, u := range []struct{ row, col, owner int }{{0, 0, 1}, {3, 3, 2}} {
		id, _ := m.Get(u.row, u.col, 0)
		m.Place(id, voxel.New(voxel.Eater, 0, 1, 1, u.owner))
	}
	if err := store.Save(protocol.MapInfo{ID: "arena", Name: "Arena"}, m); err != nil {
		t.Fatalf("save: %v", err)
	}

	tu := tuning.Defaults()
	tu.TickDurationMs = 20
	tu.FrameMs = 5
	serverID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	client := uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	env := matchEnv{dataDir: dir, serverID: serverID, tune: tu, maps: store, idx: &indexes{}, seed: 7}

	spec := rooms.MatchSpec{
		ID:    "m1",
		MapID: "arena",
		Mode:  string(protocol.ModeFreeForAll),
		Players: []rooms.PlayerSpec{
			{ID: "11111111-1111-1111-1111-111111111111", Name: "red", Bot: string(protocol.BotNone), Client: client.String()},
			{ID: "22222222-2222-2222-2222-222222222222", Name: "bot", Bot: string(protocol.BotSimple)},
		},
	}
	rt, err := env.start(spec)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rt.Run(ctx)
		close(done)
	}()
	err = rt.Call(ctx, func(s *match.Server) error {
		if err := s.RegisterClient(client); err != nil {
			return err
		}
		return s.ReadyToPlay(client)
	})
	if err != nil {
		cancel()
		t.Fatalf("ready: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for rt.Status().State == "AWAITING_READY" {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("match never launched")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	path := persistlog.ReplayPath(filepath.Join(dir, "matches", "m1"))
	data, err := persistlog.ReadReplay(path)
	if err != nil {
		t.Fatalf("ReadReplay: %v", err)
	}
	if data.MatchID != "m1" || data.MapID != "arena" || len(data.Players) != 3 || len(data.Map) == 0 {
		t.Fatalf("replay=%+v", data)
	}

	spec.ID = "m1-again"
	spec.Replay = filepath.Join("matches", "m1", filepath.Base(path))
	rt, err = env.start(spec)
	if err != nil {
		t.Fatalf("start replay: %v", err)
	}
	if !rt.Status().Replay {
		t.Fatalf("status=%+v", rt.Status())
	}
	stopped, stop := context.WithCancel(context.Background())
	stop()
	_ = rt.Run(stopped)
}
