package engine

import (
	"math/rand"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/tasks"
	"voxelcombat.gg/internal/sim/voxel"
)

// Lookup exposes engine state to task expressions:
//
//	tick          current tick
//	weight        map weight
//	players       registered players
//	units/<n>     ascending unit ids owned by player index n
//	idle/<n>      the subset of units/<n> that can take a new order
func (e *Engine) Lookup(name string) (any, bool) {
	switch name {
	case "tick":
		return e.tick, true
	case "weight":
		return e.m.Weight(), true
	case "players":
		return len(e.players), true
	}
	kind, arg, ok := strings.Cut(name, "/")
	if !ok {
		return nil, false
	}
	owner, err := strconv.Atoi(arg)
	if err != nil {
		return nil, false
	}
	switch kind {
	case "units":
		return e.UnitIDs(owner), true
	case "idle":
		var out []int64
		for _, id := range e.UnitIDs(owner) {
			u := e.units[id]
			d := e.m.Voxel(u.Ref)
			if d.Type.IsControllable() && d.State == voxel.Idle && !u.waiting && len(u.path) == 0 {
				out = append(out, id)
			}
		}
		return out, true
	}
	return nil, false
}

// SubmitFunc hands a bot command to whoever records and queues commands.
type SubmitFunc func(playerID uuid.UUID, cmd protocol.Cmd) error

// Bot drives one player. Every think interval it queues a task on the bot
// task runner that picks a random destination for each idle unit; the
// resulting commands go through submit like any client command.
type Bot struct {
	e          *Engine
	player     protocol.Player
	index      int
	thinkEvery int64
	submit     SubmitFunc
	rng        *rand.Rand

	lastThink int64
	thinking  bool
	expr      *tasks.Expression

	rejected int
	lastErr  error
}

func NewBot(e *Engine, p protocol.Player, submit SubmitFunc, seed int64) (*Bot, bool) {
	index, ok := e.PlayerIndex(p.ID)
	if !ok {
		return nil, false
	}
	every := int64(e.tuning.BotThinkTicks)
	if every <= 0 {
		every = 1
	}
	b := &Bot{
		e:          e,
		player:     p,
		index:      index,
		thinkEvery: every,
		submit:     submit,
		rng:        rand.New(rand.NewSource(seed)),
		lastThink:  -every,
	}
	b.expr = &tasks.Expression{Name: "bot.orders/" + strconv.Itoa(index), Fn: b.orders}
	return b, true
}

func (b *Bot) Player() protocol.Player { return b.player }

// Rejected returns how many bot commands submit refused and the last
// refusal.
func (b *Bot) Rejected() (int, error) { return b.rejected, b.lastErr }

// Update queues a think task when the interval has elapsed and none is in
// flight.
func (b *Bot) Update() {
	tick := b.e.CurrentTick()
	if b.thinking || tick-b.lastThink < b.thinkEvery {
		return
	}
	b.thinking = true
	b.lastThink = tick
	b.e.BotTaskRunner().Run(tasks.Task{
		Kind:        tasks.KindThink,
		PlayerIndex: b.index,
		Expr:        b.expr,
		StartedTick: tick,
	}, func(result any) {
		b.thinking = false
		cmds, _ := result.([]protocol.Cmd)
		for _, c := range cmds {
			if err := b.submit(b.player.ID, c); err != nil {
				b.rejected++
				b.lastErr = err
			}
		}
	})
}

func (b *Bot) orders(env tasks.Env) any {
	v, _ := env.Lookup("idle/" + strconv.Itoa(b.index))
	idle, _ := v.([]int64)
	var cmds []protocol.Cmd
	for _, id := range idle {
		d, ok := b.e.Unit(id)
		if !ok {
			continue
		}
		size := b.e.Map().Size(d.Weight)
		cmds = append(cmds, protocol.Cmd{
			Code:    protocol.CmdMove,
			UnitID:  id,
			Payload: protocol.CmdPayload{Row: b.rng.Intn(size), Col: b.rng.Intn(size)},
		})
	}
	return cmds
}
