package protocol

import "encoding/json"

const Version = "1.0"

// Player connection message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeReady   = "READY"
	TypePong    = "PONG"
	TypeCmd     = "CMD"
	TypePause   = "PAUSE"
	TypeReplay  = "GET_REPLAY"
	TypeGetMap  = "GET_MAP"
	TypeLeave   = "LEAVE"
	TypeResult  = "RESULT"

	TypePing           = "PING"
	TypeReadyToPlayAll = "READY_TO_PLAY_ALL"
	TypeTick           = "TICK"
	TypePaused         = "PAUSED"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
