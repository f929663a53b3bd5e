package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	persistlog "voxelcombat.gg/internal/persistence/log"
	"voxelcombat.gg/internal/protocol"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	b, err := get(strings.TrimRight(strings.TrimSpace(*baseURL), "/")+"/v1/matches", 5*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}

// fetchCmd downloads the replay of a running match into a replay file the
// server can play back.
func fetchCmd(args []string) {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	matchID := fs.String("match", "", "match id")
	outPath := fs.String("out", "", "output path (default: <match>.replay.json.zst)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*matchID) == "" {
		fmt.Fprintln(os.Stderr, "missing -match")
		os.Exit(2)
	}
	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/v1/matches/" + *matchID + "/replay"
	b, err := get(u, 30*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	var data protocol.ReplayData
	if err := json.Unmarshal(b, &data); err != nil {
		fmt.Fprintln(os.Stderr, "decode replay:", err)
		os.Exit(1)
	}
	if *outPath == "" {
		*outPath = *matchID + ".replay.json.zst"
	}
	if err := persistlog.WriteReplay(*outPath, data); err != nil {
		fmt.Fprintln(os.Stderr, "write replay:", err)
		os.Exit(1)
	}
	fmt.Printf("fetched %s: commands=%d snapshots=%d out=%s\n", data.MatchID, len(data.Commands), len(data.Snapshots), *outPath)
}

func get(u string, timeout time.Duration) ([]byte, error) {
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Get(u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return b, nil
}
