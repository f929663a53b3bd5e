package protocol

// ObserverVersion is the spectator protocol version (separate from the
// player protocol).
const ObserverVersion = "0.1"

// Spectator message types.
const (
	TypeSubscribe = "SUBSCRIBE"
	TypeMove      = "MOVE"
	TypeCell      = "CELL"
	TypeAltitudes = "ALTITUDES"
)

// Client -> Server. First message on the observer WS connection.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	MatchID         string `json:"match_id"`
	Row             int    `json:"row"`
	Col             int    `json:"col"`
	Radius          int    `json:"radius"`
	Weight          int    `json:"weight"`
}

// Client -> Server. Shifts the window.
type MoveMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	DRow            int    `json:"d_row"`
	DCol            int    `json:"d_col"`
}

type VoxelView struct {
	Type      int   `json:"type"`
	Weight    int   `json:"weight"`
	Height    int   `json:"height"`
	Altitude  int   `json:"altitude"`
	Owner     int   `json:"owner"`
	Dir       int   `json:"dir"`
	Health    int   `json:"health"`
	UnitID    int64 `json:"unit_id"`
	Collapsed bool  `json:"collapsed,omitempty"`
}

// Server -> Client. A cell became visible, changed, or left every window.
type CellMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Tick            int64       `json:"tick"`
	Cell            int32       `json:"cell"`
	Row             int         `json:"row"`
	Col             int         `json:"col"`
	Weight          int         `json:"weight"`
	Visible         bool        `json:"visible"`
	Voxels          []VoxelView `json:"voxels,omitempty"`
}

type AltitudeChange struct {
	Cell   int32 `json:"cell"`
	UnitID int64 `json:"unit_id"`
	From   int   `json:"from"`
	To     int   `json:"to"`
}

// Server -> Client. Visible nodes that dropped during a tick.
type AltitudesMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	Tick            int64            `json:"tick"`
	Changes         []AltitudeChange `json:"changes"`
}
