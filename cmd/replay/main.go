package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	persistlog "voxelcombat.gg/internal/persistence/log"
	"voxelcombat.gg/internal/persistence/snapshot"
	"voxelcombat.gg/internal/sim/replay"
	"voxelcombat.gg/internal/sim/tuning"
)

func main() {
	var (
		matchDir   = flag.String("match", "", "match directory (<data>/matches/<id>); sets -replay and -ticks")
		replayPath = flag.String("replay", "", "path to replay.json.zst")
		ticksDir   = flag.String("ticks", "", "dir containing ticks-*.jsonl.zst (optional)")
		snapPath   = flag.String("snapshot", "", "path to .snap.zst (prints its contents)")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (optional)")
	)
	flag.Parse()

	if *matchDir != "" {
		if *replayPath == "" {
			*replayPath = persistlog.ReplayPath(*matchDir)
		}
		if *ticksDir == "" {
			*ticksDir = filepath.Join(*matchDir, "ticks")
		}
	}
	if *snapPath == "" && *replayPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot, -replay or -match")
		os.Exit(2)
	}

	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		fmt.Printf("snapshot v%d match=%s tick=%d map=%s players=%d digest=%s map_bytes=%d\n",
			snap.Header.Version, snap.Header.MatchID, snap.Header.Tick, snap.MapID,
			len(snap.Players), snap.Digest, len(snap.Map))
	}
	if *replayPath == "" {
		return
	}

	tu := tuning.Defaults()
	if *tuningPath != "" {
		var err error
		if tu, err = tuning.Load(*tuningPath); err != nil {
			fmt.Fprintln(os.Stderr, "load tuning:", err)
			os.Exit(1)
		}
	}

	data, err := persistlog.ReadReplay(*replayPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay match=%s map=%s players=%d commands=%d snapshots=%d\n",
		data.MatchID, data.MapID, len(data.Players), len(data.Commands), len(data.Snapshots))

	rep, err := replay.Verify(data, tu)
	if err != nil {
		fmt.Fprintln(os.Stderr, "verify:", err)
		os.Exit(1)
	}
	failed := report("snapshots", rep)

	if *ticksDir != "" {
		entries, err := readTicks(*ticksDir)
		switch {
		case errors.Is(err, os.ErrNotExist):
			fmt.Println("no tick log in", *ticksDir)
		case err != nil:
			fmt.Fprintln(os.Stderr, "read ticks:", err)
			os.Exit(1)
		default:
			rep, err := replay.VerifyTicks(data, entries, tu)
			if err != nil {
				fmt.Fprintln(os.Stderr, "verify ticks:", err)
				os.Exit(1)
			}
			failed = report("ticks", rep) || failed
		}
	}
	if failed {
		os.Exit(1)
	}
}

func report(what string, rep replay.Report) bool {
	for _, m := range rep.Mismatches {
		fmt.Printf("%s: digest mismatch at tick %d: got=%s want=%s\n", what, m.Tick, m.Got, m.Want)
	}
	if len(rep.Mismatches) > 0 {
		return true
	}
	fmt.Printf("%s ok: ticks=%d snapshots=%d digest=%s\n", what, rep.Ticks, rep.Snapshots, rep.Digest)
	return false
}

// readTicks loads every tick entry under dir in file name order.
func readTicks(dir string) ([]replay.TickEntry, error) {
	files, err := listTickFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, os.ErrNotExist
	}
	var out []replay.TickEntry
	for _, path := range files {
		if err := persistlog.ReadJSONL(path, func(e replay.TickEntry) error {
			out = append(out, e)
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func listTickFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "ticks-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}
