package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/replay"
)

// MatchRow describes one match as stored in the matches table.
type MatchRow struct {
	MatchID   string                  `json:"match_id"`
	MapID     string                  `json:"map_id"`
	Mode      protocol.GameMode       `json:"mode"`
	StartedAt string                  `json:"started_at"`
	Players   []protocol.ReplayPlayer `json:"players"`
}

// Stats counts writes dropped because the writer goroutine fell behind.
type Stats struct {
	DropMatchTotal    uint64 `json:"drop_match_total"`
	DropTickTotal     uint64 `json:"drop_tick_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
}

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropMatch    atomic.Uint64
	dropTick     atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqMatch reqKind = iota + 1
	reqTick
	reqSnapshot
)

type req struct {
	kind reqKind

	match    MatchRow
	tick     replay.TickEntry
	matchID  string
	snapshot protocol.ReplaySnapshot
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Bursty command ticks must not stall the match loop.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
		`CREATE TABLE IF NOT EXISTS matches (
			match_id TEXT PRIMARY KEY,
			map_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			started_at TEXT NOT NULL,
			players_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			match_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			digest TEXT NOT NULL,
			commands INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (match_id, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS commands (
			match_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			player_id TEXT NOT NULL,
			code TEXT NOT NULL,
			unit_id INTEGER NOT NULL,
			cmd_json TEXT NOT NULL,
			PRIMARY KEY (match_id, tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_player_tick ON commands(match_id, player_id, tick);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			match_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			digest TEXT NOT NULL,
			map_bytes INTEGER NOT NULL,
			PRIMARY KEY (match_id, tick)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		DropMatchTotal:    s.dropMatch.Load(),
		DropTickTotal:     s.dropTick.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
	}
}

func (s *SQLiteIndex) RecordMatch(row MatchRow) {
	if s == nil || s.closed.Load() {
		return
	}
	if row.StartedAt == "" {
		row.StartedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case s.ch <- req{kind: reqMatch, match: row}:
	default:
		s.dropMatch.Add(1)
	}
}

func (s *SQLiteIndex) WriteTick(entry replay.TickEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		// Drop if the indexer falls behind; the JSONL tick log stays the source of truth.
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteSnapshot(matchID string, snap protocol.ReplaySnapshot) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqSnapshot, matchID: matchID, snapshot: snap}:
	default:
		s.dropSnapshot.Add(1)
	}
	return nil
}

// Matches lists indexed matches, most recent first.
func (s *SQLiteIndex) Matches(ctx context.Context, limit int) ([]MatchRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT match_id, map_id, mode, started_at, players_json FROM matches ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MatchRow
	for rows.Next() {
		var (
			r       MatchRow
			mode    string
			players string
		)
		if err := rows.Scan(&r.MatchID, &r.MapID, &mode, &r.StartedAt, &players); err != nil {
			return nil, err
		}
		r.Mode = protocol.GameMode(mode)
		if err := json.Unmarshal([]byte(players), &r.Players); err != nil {
			return nil, fmt.Errorf("match %s players: %w", r.MatchID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Digests returns the recorded digest of every indexed tick of a match in
// [from, to].
func (s *SQLiteIndex) Digests(ctx context.Context, matchID string, from, to int64) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tick, digest FROM ticks WHERE match_id = ? AND tick BETWEEN ? AND ? ORDER BY tick`, matchID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64]string{}
	for rows.Next() {
		var (
			tick   int64
			digest string
		)
		if err := rows.Scan(&tick, &digest); err != nil {
			return nil, err
		}
		out[tick] = digest
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Prepared statements (on db; executed within tx).
	insertMatch, _ := s.db.Prepare(`INSERT OR REPLACE INTO matches(match_id,map_id,mode,started_at,players_json) VALUES(?,?,?,?,?)`)
	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(match_id,tick,digest,commands,raw_json) VALUES(?,?,?,?,?)`)
	insertCommand, _ := s.db.Prepare(`INSERT OR REPLACE INTO commands(match_id,tick,seq,player_id,code,unit_id,cmd_json) VALUES(?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(match_id,tick,digest,map_bytes) VALUES(?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertMatch, insertTick, insertCommand, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil || tx == nil {
			return false
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	// Readers share the single connection, so an idle tx is committed on a
	// timer rather than on the next write.
	ticker := time.NewTicker(commitMaxWait / 4)
	defer ticker.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-ticker.C:
			if time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqMatch:
			players, _ := json.Marshal(r.match.Players)
			exec(insertMatch, r.match.MatchID, r.match.MapID, string(r.match.Mode), r.match.StartedAt, string(players))

		case reqTick:
			t := r.tick
			raw, _ := json.Marshal(t)
			if !exec(insertTick, t.MatchID, t.Tick, t.Digest, len(t.Commands), string(raw)) {
				continue
			}
			for i, c := range t.Commands {
				cmdJSON, _ := json.Marshal(c.Cmd)
				if !exec(insertCommand, t.MatchID, t.Tick, i, c.PlayerID.String(), string(c.Cmd.Code), c.Cmd.UnitID, string(cmdJSON)) {
					break
				}
			}

		case reqSnapshot:
			exec(insertSnapshot, r.matchID, r.snapshot.Tick, r.snapshot.Digest, len(r.snapshot.Map))
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}
}
