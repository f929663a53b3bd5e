package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"voxelcombat.gg/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		b, err := protocol.Schema(name)
		if err != nil {
			t.Fatalf("schema %s: %v", name, err)
		}
		s, err := jsonschema.CompileString(name+".schema.json", string(b))
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, msg any) {
		t.Helper()
		b, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var v any
		_ = json.Unmarshal(b, &v)
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate %s: %v", b, err)
		}
	}

	a, b := uuid.New(), uuid.New()
	validate(compile("hello"), protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		MatchID:         "match_1",
		ClientID:        a,
	})
	validate(compile("request"), protocol.RequestMsg{
		Type:            protocol.TypeCmd,
		ProtocolVersion: protocol.Version,
		Ref:             "r1",
		PlayerID:        b,
		Cmd:             &protocol.Cmd{Code: protocol.CmdMove, UnitID: 3, Payload: protocol.CmdPayload{Row: 1, Col: 2}},
	})
	validate(compile("tick"), protocol.TickMsg{
		Type:            protocol.TypeTick,
		ProtocolVersion: protocol.Version,
		Bundle: protocol.CommandsBundle{
			Tick: 4,
			Commands: []protocol.PlayerCmd{{
				PlayerID:    b,
				PlayerIndex: 1,
				Cmd:         protocol.Cmd{Code: protocol.CmdGrow, UnitID: 3},
				Code:        protocol.OK,
			}},
		},
	})
	validate(compile("ready_to_play_all"), protocol.ReadyToPlayAllMsg{
		Type:            protocol.TypeReadyToPlayAll,
		ProtocolVersion: protocol.Version,
		Players:         []protocol.Player{{ID: a, Name: "Neutral", BotType: protocol.BotNeutral}},
		Clients:         []protocol.ClientPlayers{{ClientID: b, Players: []uuid.UUID{a}}},
		Abilities:       [][]protocol.VoxelAbilities{{{Type: 2, MaxHeight: 4}}},
		Room: protocol.Room{
			ID:      "match_1",
			Mode:    protocol.ModeFreeForAll,
			MapInfo: protocol.MapInfo{ID: "arena", Name: "Arena", SupportedModes: []protocol.GameMode{protocol.ModeFreeForAll}, MaxPlayers: 4},
			Players: []uuid.UUID{a},
		},
	})
	validate(compile("result"), protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		Ref:             "r1",
		Code:            protocol.NotAllowed,
		Message:         "Match is not initialized",
	})
	validate(compile("subscribe"), protocol.SubscribeMsg{
		Type:            protocol.TypeSubscribe,
		ProtocolVersion: protocol.ObserverVersion,
		MatchID:         "match_1",
		Radius:          4,
		Weight:          2,
	})
	validate(compile("cell"), protocol.CellMsg{
		Type:            protocol.TypeCell,
		ProtocolVersion: protocol.ObserverVersion,
		Cell:            5,
		Visible:         true,
		Voxels:          []protocol.VoxelView{{Type: 0, Weight: 2, Height: 1}},
	})
}

func TestValidate_RejectsMalformed(t *testing.T) {
	err := protocol.Validate("hello", []byte(`{"type":"HELLO","protocol_version":"1.0","match_id":7}`))
	if protocol.CodeOf(err) != protocol.BadRequest {
		t.Fatalf("expected bad request, got %v", err)
	}
	if err := protocol.Validate("hello", []byte(`not json`)); protocol.CodeOf(err) != protocol.BadRequest {
		t.Fatalf("expected bad request for garbage, got %v", err)
	}
	if _, err := protocol.Schema("nope"); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSchemaNames_AllCompile(t *testing.T) {
	for _, name := range protocol.SchemaNames() {
		b, err := protocol.Schema(name)
		if err != nil {
			t.Fatalf("schema %s: %v", name, err)
		}
		if _, err := jsonschema.CompileString(name+".schema.json", string(b)); err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
	}
}
