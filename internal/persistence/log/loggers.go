package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelcombat.gg/internal/persistence/snapshot"
	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/replay"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files named
// <prefix>-<yyyy-mm-dd-hh>.jsonl.zst under baseDir.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// ReadJSONL decodes every line of a .jsonl.zst file and hands it to fn.
// Files appended across several encoder sessions hold several zstd
// frames; the decoder reads them in sequence.
func ReadJSONL[T any](path string, fn func(T) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	jd := json.NewDecoder(bufio.NewReaderSize(dec, 128*1024))
	for {
		var v T
		if err := jd.Decode(&v); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}

// MatchLogger is the on-disk replay sink of one match directory:
// ticks/ holds the tick log and snapshots/ one snapshot file per recorded
// snapshot.
type MatchLogger struct {
	dir     string
	mapID   string
	players []protocol.ReplayPlayer

	ticks *JSONLZstdWriter
}

func NewMatchLogger(matchDir, mapID string, players []protocol.ReplayPlayer) *MatchLogger {
	return &MatchLogger{
		dir:     matchDir,
		mapID:   mapID,
		players: append([]protocol.ReplayPlayer(nil), players...),
		ticks:   NewJSONLZstdWriter(filepath.Join(matchDir, "ticks"), "ticks"),
	}
}

func (l *MatchLogger) WriteTick(e replay.TickEntry) error { return l.ticks.Write(e) }

func (l *MatchLogger) WriteSnapshot(matchID string, s protocol.ReplaySnapshot) error {
	path := SnapshotPath(l.dir, s.Tick)
	return snapshot.WriteSnapshot(path, snapshot.MatchSnapshot{
		Header:  snapshot.Header{Version: snapshot.Version, MatchID: matchID, Tick: s.Tick},
		MapID:   l.mapID,
		Digest:  s.Digest,
		Players: l.players,
		Map:     s.Map,
	})
}

// SetPlayers replaces the roster stored in later snapshot files.
func (l *MatchLogger) SetPlayers(players []protocol.ReplayPlayer) {
	l.players = append([]protocol.ReplayPlayer(nil), players...)
}

func (l *MatchLogger) Close() error { return l.ticks.Close() }

func SnapshotPath(matchDir string, tick int64) string {
	return filepath.Join(matchDir, "snapshots", fmt.Sprintf("%012d.snap.zst", tick))
}
