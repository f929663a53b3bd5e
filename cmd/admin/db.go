package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index/matches.sqlite)")
	matchID := fs.String("match", "", "match id (required for ticks, commands, snapshots)")
	player := fs.String("player", "", "player_id filter (commands)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "matches"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "matches.sqlite")
	}
	if q != "matches" && strings.TrimSpace(*matchID) == "" {
		fmt.Fprintln(os.Stderr, "missing -match")
		os.Exit(2)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	var (
		query string
		qargs []any
		cols  []string
	)
	switch q {
	case "matches":
		query = `SELECT match_id,map_id,mode,started_at,players_json FROM matches ORDER BY started_at DESC LIMIT ?`
		qargs = []any{*limit}
		cols = []string{"match_id", "map_id", "mode", "started_at", "players"}
	case "ticks":
		query = `SELECT tick,digest,commands FROM ticks WHERE match_id=? ORDER BY tick DESC LIMIT ?`
		qargs = []any{*matchID, *limit}
		cols = []string{"tick", "digest", "commands"}
	case "commands":
		query = `SELECT tick,seq,player_id,code,unit_id,cmd_json FROM commands WHERE match_id=?`
		qargs = []any{*matchID}
		if *player != "" {
			query += ` AND player_id=?`
			qargs = append(qargs, *player)
		}
		query += ` ORDER BY tick DESC, seq DESC LIMIT ?`
		qargs = append(qargs, *limit)
		cols = []string{"tick", "seq", "player_id", "code", "unit_id", "cmd"}
	case "snapshots":
		query = `SELECT tick,digest,map_bytes FROM snapshots WHERE match_id=? ORDER BY tick DESC LIMIT ?`
		qargs = []any{*matchID, *limit}
		cols = []string{"tick", "digest", "map_bytes"}
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		os.Exit(2)
	}

	if err := printRows(db, query, qargs, cols); err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
}

// printRows writes one JSON object per row. Columns holding JSON text
// (players, cmd) are embedded as raw JSON.
func printRows(db *sql.DB, query string, args []any, cols []string) error {
	rows, err := db.Query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	enc := json.NewEncoder(os.Stdout)
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		out := make(map[string]any, len(cols))
		for i, c := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			if s, ok := v.(string); ok && (c == "players" || c == "cmd") {
				v = json.RawMessage(s)
			}
			out[c] = v
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	return rows.Err()
}
