package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxelcombat.gg/internal/persistence/mapstore"
	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/replay"
	"voxelcombat.gg/internal/sim/tuning"
)

func main() {
	var (
		url     = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		matchID = flag.String("match", "match_1", "match id")
		client  = flag.String("client", "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa", "client id")
		every   = flag.Int("every", 5, "send one command every N ticks")
		seed    = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	clientID, err := uuid.Parse(*client)
	if err != nil {
		logger.Fatalf("client id: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		MatchID:         *matchID,
		ClientID:        clientID,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.WriteJSON(protocol.RequestMsg{Type: protocol.TypeLeave, ProtocolVersion: protocol.Version, Ref: "leave"})
		_ = conn.Close()
	}()

	b := &bot{conn: conn, log: logger, every: int64(*every), rng: rand.New(rand.NewSource(*seed))}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := b.handle(msg); err != nil {
			logger.Printf("%v", err)
		}
	}
}

type bot struct {
	conn  *websocket.Conn
	log   *log.Logger
	rng   *rand.Rand
	every int64
	refs  int

	drives  []uuid.UUID
	players []protocol.Player
	units   map[uuid.UUID][]int64
	size    int
}

func (b *bot) handle(msg []byte) error {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return err
	}
	switch base.Type {
	case protocol.TypeWelcome:
		var w protocol.WelcomeMsg
		if err := json.Unmarshal(msg, &w); err != nil {
			return err
		}
		b.drives = w.Players
		b.log.Printf("WELCOME match=%s players=%d tick=%dms", w.MatchID, len(w.Players), w.TickDurationMs)
		return b.request(protocol.TypeReady, nil)

	case protocol.TypePing:
		return b.request(protocol.TypePong, nil)

	case protocol.TypeReadyToPlayAll:
		var all protocol.ReadyToPlayAllMsg
		if err := json.Unmarshal(msg, &all); err != nil {
			return err
		}
		b.players = all.Players
		b.log.Printf("READY_TO_PLAY_ALL players=%d map=%s", len(all.Players), all.Room.MapInfo.ID)
		return b.request(protocol.TypeGetMap, nil)

	case protocol.TypeResult:
		var res protocol.ResultMsg
		if err := json.Unmarshal(msg, &res); err != nil {
			return err
		}
		if res.Code != protocol.OK {
			b.log.Printf("%s: %s %s", res.Ref, res.Code, res.Message)
			return nil
		}
		if len(res.MapData) > 0 {
			return b.loadUnits(res.MapData)
		}

	case protocol.TypeTick:
		var t protocol.TickMsg
		if err := json.Unmarshal(msg, &t); err != nil {
			return err
		}
		b.forget(t.Bundle.Destroyed)
		if b.units != nil && t.Bundle.Tick%b.every == 0 {
			return b.act()
		}
	}
	return nil
}

// loadUnits rebuilds the starting engine from the map to learn the unit
// ids of the players this client drives.
func (b *bot) loadUnits(raw []byte) error {
	d, err := mapstore.Decode(raw)
	if err != nil {
		return err
	}
	m, err := d.Decode()
	if err != nil {
		return err
	}
	recorded := make([]protocol.ReplayPlayer, len(b.players))
	for i, p := range b.players {
		recorded[i] = protocol.ReplayPlayer{ID: p.ID, Index: i}
	}
	e, err := replay.Restore(m, recorded, tuning.Defaults())
	if err != nil {
		return err
	}
	b.size = m.Size(0)
	b.units = map[uuid.UUID][]int64{}
	for _, id := range b.drives {
		if idx, ok := e.PlayerIndex(id); ok {
			b.units[id] = e.UnitIDs(idx)
		}
	}
	b.log.Printf("map %s loaded: size=%d", d.Info.ID, b.size)
	return nil
}

func (b *bot) forget(destroyed []int64) {
	if len(destroyed) == 0 {
		return
	}
	gone := map[int64]bool{}
	for _, id := range destroyed {
		gone[id] = true
	}
	for p, ids := range b.units {
		kept := ids[:0]
		for _, id := range ids {
			if !gone[id] {
				kept = append(kept, id)
			}
		}
		b.units[p] = kept
	}
}

func (b *bot) act() error {
	if len(b.drives) == 0 {
		return nil
	}
	player := b.drives[b.rng.Intn(len(b.drives))]
	ids := b.units[player]
	if len(ids) == 0 {
		return nil
	}
	cmd := protocol.Cmd{UnitID: ids[b.rng.Intn(len(ids))]}
	switch b.rng.Intn(4) {
	case 0:
		cmd.Code = protocol.CmdGrow
	default:
		cmd.Code = protocol.CmdMove
		cmd.Payload = protocol.CmdPayload{Row: b.rng.Intn(b.size), Col: b.rng.Intn(b.size)}
	}
	return b.request(protocol.TypeCmd, func(r *protocol.RequestMsg) {
		r.PlayerID = player
		r.Cmd = &cmd
	})
}

func (b *bot) request(typ string, fill func(*protocol.RequestMsg)) error {
	b.refs++
	req := protocol.RequestMsg{Type: typ, ProtocolVersion: protocol.Version, Ref: fmt.Sprintf("%s_%d", typ, b.refs)}
	if fill != nil {
		fill(&req)
	}
	return b.conn.WriteJSON(req)
}
