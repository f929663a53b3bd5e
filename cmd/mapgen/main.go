package main

import (
	"flag"
	"log"
	"os"

	"voxelcombat.gg/internal/persistence/mapstore"
	"voxelcombat.gg/internal/sim/mapgen"
)

func main() {
	var (
		dataDir  = flag.String("data", "./data", "runtime data directory")
		id       = flag.String("id", "arena", "map id")
		name     = flag.String("name", "", "display name (default: id)")
		weight   = flag.Int("weight", 4, "map weight; the grid is 2^weight cells on a side")
		players  = flag.Int("players", 2, "number of player spawns")
		seed     = flag.Int64("seed", 1337, "generation seed")
		hills    = flag.Int("hills", 8, "number of neutral hills")
		eatables = flag.Int("eatables", 8, "number of eatable nodes")
		list     = flag.Bool("list", false, "list stored maps and exit")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[mapgen] ", log.LstdFlags)
	store := mapstore.New(*dataDir)

	if *list {
		infos, err := store.List()
		if err != nil {
			logger.Fatalf("list: %v", err)
		}
		for _, info := range infos {
			logger.Printf("%s %q max_players=%d modes=%v", info.ID, info.Name, info.MaxPlayers, info.SupportedModes)
		}
		return
	}

	m, info, err := mapgen.Generate(mapgen.Params{
		ID:       *id,
		Name:     *name,
		Weight:   *weight,
		Players:  *players,
		Seed:     *seed,
		Hills:    *hills,
		Eatables: *eatables,
	})
	if err != nil {
		logger.Fatalf("generate: %v", err)
	}
	if err := store.Save(info, m); err != nil {
		logger.Fatalf("save: %v", err)
	}
	logger.Printf("wrote %s (weight=%d players=%d)", store.Path(info.ID), *weight, *players)
}
