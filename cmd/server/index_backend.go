package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voxelcombat.gg/internal/persistence/indexdb"
	"voxelcombat.gg/internal/sim/replay"
	"voxelcombat.gg/internal/transport/httpapi"
)

// indexes holds the configured match indexes. Either may be nil.
type indexes struct {
	sqlite *indexdb.SQLiteIndex
	remote *indexdb.RemoteIndex
}

// openIndexes picks the index backends from VXC_INDEX_BACKEND: sqlite
// (default), remote, both or none.
func openIndexes(dataDir, serverID string, disableDB bool, logger *log.Logger) (*indexes, error) {
	idx := &indexes{}
	if disableDB {
		return idx, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("VXC_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}
	var useSQLite, useRemote bool
	switch backend {
	case "none", "off", "disabled":
		return idx, nil
	case "sqlite":
		useSQLite = true
	case "remote":
		useRemote = true
	case "both":
		useSQLite, useRemote = true, true
	default:
		return nil, fmt.Errorf("unsupported VXC_INDEX_BACKEND: %s", backend)
	}

	if useSQLite {
		db, err := indexdb.OpenSQLite(filepath.Join(dataDir, "index", "matches.sqlite"))
		if err != nil {
			return nil, err
		}
		idx.sqlite = db
	}
	if useRemote {
		endpoint := strings.TrimSpace(os.Getenv("VXC_INDEX_INGEST_URL"))
		if endpoint == "" {
			_ = idx.Close()
			return nil, fmt.Errorf("VXC_INDEX_BACKEND=%s but VXC_INDEX_INGEST_URL is empty", backend)
		}
		remote, err := indexdb.OpenRemote(indexdb.RemoteConfig{
			Endpoint:      endpoint,
			Token:         strings.TrimSpace(os.Getenv("VXC_INDEX_TOKEN")),
			ServerID:      serverID,
			BatchSize:     envInt("VXC_INDEX_BATCH_SIZE", 128),
			FlushInterval: time.Duration(envInt("VXC_INDEX_FLUSH_MS", 500)) * time.Millisecond,
			Logger:        logger,
		})
		if err != nil {
			_ = idx.Close()
			return nil, err
		}
		idx.remote = remote
	}
	return idx, nil
}

func (i *indexes) sinks() []replay.Sink {
	var out []replay.Sink
	if i.sqlite != nil {
		out = append(out, i.sqlite)
	}
	if i.remote != nil {
		out = append(out, i.remote)
	}
	return out
}

func (i *indexes) recordMatch(row indexdb.MatchRow) {
	if row.StartedAt == "" {
		row.StartedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if i.sqlite != nil {
		i.sqlite.RecordMatch(row)
	}
	if i.remote != nil {
		i.remote.RecordMatch(row)
	}
}

// history is the read side served over HTTP; only SQLite has one.
func (i *indexes) history() httpapi.History {
	if i.sqlite == nil {
		return nil
	}
	return i.sqlite
}

func (i *indexes) Close() error {
	var first error
	if i.sqlite != nil {
		first = i.sqlite.Close()
	}
	if i.remote != nil {
		if err := i.remote.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
