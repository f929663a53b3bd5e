package protocol

import "github.com/google/uuid"

type BotType string

const (
	BotNone    BotType = "NONE"
	BotNeutral BotType = "NEUTRAL"
	BotReplay  BotType = "REPLAY"
	BotSimple  BotType = "SIMPLE"
)

type Player struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	BotType BotType   `json:"bot_type"`
}

// IsBot reports whether nobody drives the player over the network.
func (p Player) IsBot() bool { return p.BotType != BotNone && p.BotType != "" }

type GameMode string

const (
	ModeFreeForAll GameMode = "FREE_FOR_ALL"
	ModeTeams      GameMode = "TEAMS"
)

type MapInfo struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	SupportedModes []GameMode `json:"supported_modes"`
	MaxPlayers     int        `json:"max_players"`
}

// Room is the roster of a match. Players[0] is the neutral player once the
// match exists.
type Room struct {
	ID      string      `json:"id"`
	Mode    GameMode    `json:"mode"`
	MapInfo MapInfo     `json:"map_info"`
	Players []uuid.UUID `json:"players"`
}

// VoxelAbilities are the per-player limits for one voxel type.
type VoxelAbilities struct {
	Type      int `json:"type"`
	MinWeight int `json:"min_weight"`
	MaxWeight int `json:"max_weight"`
	MaxHeight int `json:"max_height"`
	MaxHealth int `json:"max_health"`
}

type CmdCode string

const (
	CmdMove      CmdCode = "MOVE"
	CmdGrow      CmdCode = "GROW"
	CmdSplit     CmdCode = "SPLIT"
	CmdConvert   CmdCode = "CONVERT"
	CmdCancel    CmdCode = "CANCEL"
	CmdLeaveRoom CmdCode = "LEAVE_ROOM"
)

type CmdPayload struct {
	Row  int `json:"row,omitempty"`
	Col  int `json:"col,omitempty"`
	Type int `json:"type,omitempty"`
}

// Cmd is one player order for a unit.
type Cmd struct {
	Code    CmdCode    `json:"code"`
	UnitID  int64      `json:"unit_id"`
	Payload CmdPayload `json:"payload"`
}

// PlayerCmd is a command as resolved by the engine during a tick.
type PlayerCmd struct {
	PlayerID    uuid.UUID  `json:"player_id"`
	PlayerIndex int        `json:"player_index"`
	Cmd         Cmd        `json:"cmd"`
	Code        StatusCode `json:"code"`
}

// UnitStep is one cell of movement made by a unit during a tick.
type UnitStep struct {
	UnitID   int64 `json:"unit_id"`
	Row      int   `json:"row"`
	Col      int   `json:"col"`
	Altitude int   `json:"altitude"`
	Dir      int   `json:"dir"`
}

// CommandsBundle is everything that happened in one tick.
type CommandsBundle struct {
	Tick      int64       `json:"tick"`
	Commands  []PlayerCmd `json:"commands"`
	Steps     []UnitStep  `json:"steps,omitempty"`
	Destroyed []int64     `json:"destroyed,omitempty"`
}

// Clone returns a deep copy.
func (b CommandsBundle) Clone() CommandsBundle {
	out := CommandsBundle{Tick: b.Tick, Commands: make([]PlayerCmd, len(b.Commands))}
	copy(out.Commands, b.Commands)
	if b.Steps != nil {
		out.Steps = append([]UnitStep(nil), b.Steps...)
	}
	if b.Destroyed != nil {
		out.Destroyed = append([]int64(nil), b.Destroyed...)
	}
	return out
}

// ClientPlayers lists the players a client drives.
type ClientPlayers struct {
	ClientID uuid.UUID   `json:"client_id"`
	Players  []uuid.UUID `json:"players"`
}

// HELLO (client -> server)
type HelloMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	MatchID         string    `json:"match_id"`
	ClientID        uuid.UUID `json:"client_id"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	MatchID         string      `json:"match_id"`
	ClientID        uuid.UUID   `json:"client_id"`
	Players         []uuid.UUID `json:"players"`
	TickDurationMs  int         `json:"tick_duration_ms"`
}

// RequestMsg carries every client request after the handshake. Ref is
// echoed in the matching RESULT.
type RequestMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	Ref             string    `json:"ref"`
	PlayerID        uuid.UUID `json:"player_id,omitempty"`
	Cmd             *Cmd      `json:"cmd,omitempty"`
	Pause           bool      `json:"pause,omitempty"`
}

// RESULT (server -> client)
type ResultMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Ref             string      `json:"ref"`
	Code            StatusCode  `json:"code"`
	Message         string      `json:"message,omitempty"`
	Replay          *ReplayData `json:"replay,omitempty"`
	MapData         []byte      `json:"map_data,omitempty"`
}

// PING (server -> client). The client answers with PONG.
type PingMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RTTMs           int64  `json:"rtt_ms"`
	RTTMaxMs        int64  `json:"rtt_max_ms"`
}

// READY_TO_PLAY_ALL (server -> client)
type ReadyToPlayAllMsg struct {
	Type            string             `json:"type"`
	ProtocolVersion string             `json:"protocol_version"`
	Players         []Player           `json:"players"`
	Clients         []ClientPlayers    `json:"clients"`
	Abilities       [][]VoxelAbilities `json:"abilities"`
	Room            Room               `json:"room"`
}

// TICK (server -> client)
type TickMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Bundle          CommandsBundle `json:"bundle"`
}

// PAUSED (server -> client)
type PausedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Paused          bool   `json:"paused"`
}

// ReplayPlayer binds a player to its engine index.
type ReplayPlayer struct {
	ID    uuid.UUID `json:"id"`
	Index int       `json:"index"`
}

// ReplayCmd is one recorded submission.
type ReplayCmd struct {
	Tick     int64     `json:"tick"`
	PlayerID uuid.UUID `json:"player_id"`
	Cmd      Cmd       `json:"cmd"`
}

// ReplaySnapshot is the engine state before a tick ran.
type ReplaySnapshot struct {
	Tick   int64  `json:"tick"`
	Digest string `json:"digest"`
	Map    []byte `json:"map,omitempty"`
}

// ReplayData is everything needed to re-run a match.
type ReplayData struct {
	MatchID   string           `json:"match_id"`
	MapID     string           `json:"map_id"`
	Map       []byte           `json:"map,omitempty"`
	Players   []ReplayPlayer   `json:"players"`
	Commands  []ReplayCmd      `json:"commands"`
	Snapshots []ReplaySnapshot `json:"snapshots,omitempty"`
}
