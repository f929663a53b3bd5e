// Package rooms loads the match roster file.
package rooms

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"voxelcombat.gg/internal/protocol"
)

type Config struct {
	ServerIdentity string      `yaml:"server_identity"`
	Matches        []MatchSpec `yaml:"matches"`
}

type MatchSpec struct {
	ID      string       `yaml:"id"`
	MapID   string       `yaml:"map_id"`
	Mode    string       `yaml:"mode"`
	Replay  string       `yaml:"replay,omitempty"`
	Players []PlayerSpec `yaml:"players"`
}

type PlayerSpec struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Bot    string `yaml:"bot,omitempty"`
	Client string `yaml:"client,omitempty"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	cfg = Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("rooms.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("rooms.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ServerIdentity: "00000000-0000-0000-0000-000000000001",
		Matches: []MatchSpec{
			{
				ID:    "match_1",
				MapID: "arena",
				Mode:  string(protocol.ModeFreeForAll),
				Players: []PlayerSpec{
					{ID: "11111111-1111-1111-1111-111111111111", Name: "red", Client: "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"},
					{ID: "22222222-2222-2222-2222-222222222222", Name: "blue", Bot: string(protocol.BotSimple)},
				},
			},
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Matches {
		m := &c.Matches[i]
		if strings.TrimSpace(m.Mode) == "" {
			m.Mode = string(protocol.ModeFreeForAll)
		}
		for j := range m.Players {
			p := &m.Players[j]
			if strings.TrimSpace(p.Bot) == "" {
				p.Bot = string(protocol.BotNone)
			}
			p.Bot = strings.ToUpper(p.Bot)
			if strings.TrimSpace(p.Name) == "" {
				p.Name = fmt.Sprintf("player_%d", j+1)
			}
		}
	}
}

func (c Config) Validate() error {
	c.Normalize()
	if _, err := uuid.Parse(c.ServerIdentity); err != nil {
		return fmt.Errorf("server_identity: %w", err)
	}
	if len(c.Matches) == 0 {
		return fmt.Errorf("matches must not be empty")
	}
	seen := map[string]bool{}
	for _, m := range c.Matches {
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("match id must not be empty")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate match id: %s", m.ID)
		}
		seen[m.ID] = true
		if strings.TrimSpace(m.MapID) == "" {
			return fmt.Errorf("match %s map_id must not be empty", m.ID)
		}
		switch protocol.GameMode(m.Mode) {
		case protocol.ModeFreeForAll, protocol.ModeTeams:
		default:
			return fmt.Errorf("match %s unknown mode %q", m.ID, m.Mode)
		}
		if len(m.Players) == 0 {
			return fmt.Errorf("match %s must have players", m.ID)
		}
		players := map[uuid.UUID]bool{}
		for _, p := range m.Players {
			id, err := uuid.Parse(p.ID)
			if err != nil {
				return fmt.Errorf("match %s player %q: %w", m.ID, p.ID, err)
			}
			if players[id] {
				return fmt.Errorf("match %s duplicate player %s", m.ID, id)
			}
			players[id] = true
			switch protocol.BotType(p.Bot) {
			case protocol.BotNone:
				if _, err := uuid.Parse(p.Client); err != nil {
					return fmt.Errorf("match %s player %s client: %w", m.ID, id, err)
				}
			case protocol.BotSimple, protocol.BotReplay:
			default:
				return fmt.Errorf("match %s player %s unknown bot %q", m.ID, id, p.Bot)
			}
		}
	}
	return nil
}

func (c Config) ServerID() uuid.UUID {
	id, _ := uuid.Parse(c.ServerIdentity)
	return id
}

func (c Config) MatchByID(id string) (MatchSpec, bool) {
	for _, m := range c.Matches {
		if m.ID == id {
			return m, true
		}
	}
	return MatchSpec{}, false
}

// Roster returns the match players in file order and the players each
// client drives. Bots are driven by the server identity.
func (m MatchSpec) Roster(server uuid.UUID) ([]protocol.Player, []protocol.ClientPlayers, error) {
	players := make([]protocol.Player, 0, len(m.Players))
	byClient := map[uuid.UUID][]uuid.UUID{}
	for _, p := range m.Players {
		id, err := uuid.Parse(p.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("player %q: %w", p.ID, err)
		}
		players = append(players, protocol.Player{ID: id, Name: p.Name, BotType: protocol.BotType(p.Bot)})
		client := server
		if protocol.BotType(p.Bot) == protocol.BotNone {
			if client, err = uuid.Parse(p.Client); err != nil {
				return nil, nil, fmt.Errorf("player %s client: %w", id, err)
			}
		}
		byClient[client] = append(byClient[client], id)
	}
	clients := make([]protocol.ClientPlayers, 0, len(byClient))
	for id, ps := range byClient {
		clients = append(clients, protocol.ClientPlayers{ClientID: id, Players: ps})
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID.String() < clients[j].ClientID.String() })
	return players, clients, nil
}
