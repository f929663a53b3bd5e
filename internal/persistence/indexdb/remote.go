package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/replay"
)

// RemoteConfig points a RemoteIndex at an HTTP ingest endpoint that
// accepts POST {"events":[...]} batches.
type RemoteConfig struct {
	Endpoint      string
	Token         string
	ServerID      string
	BatchSize     int
	MaxPending    int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	Logger        *log.Logger
}

type RemoteStats struct {
	QueueDroppedTotal uint64 `json:"queue_dropped_total"`
	FlushFailTotal    uint64 `json:"flush_fail_total"`
	SentTotal         uint64 `json:"sent_total"`
}

// RemoteIndex mirrors matches, ticks and snapshots to an ingest endpoint.
// A failed batch is kept and retried on the next flush.
type RemoteIndex struct {
	cfg        RemoteConfig
	httpClient *http.Client

	ch   chan remoteEvent
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropped   atomic.Uint64
	flushFail atomic.Uint64
	sent      atomic.Uint64
}

type remoteEvent struct {
	Kind     string `json:"kind"`
	ServerID string `json:"server_id"`
	MatchID  string `json:"match_id"`
	Payload  any    `json:"payload"`
}

type remoteSnapshotPayload struct {
	Tick     int64  `json:"tick"`
	Digest   string `json:"digest"`
	MapBytes int    `json:"map_bytes"`
}

func OpenRemote(cfg RemoteConfig) (*RemoteIndex, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.ServerID = strings.TrimSpace(cfg.ServerID)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty index ingest endpoint")
	}
	if cfg.ServerID == "" {
		return nil, fmt.Errorf("empty server id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 16 * cfg.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	d := &RemoteIndex{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:         make(chan remoteEvent, 32768),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func (d *RemoteIndex) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *RemoteIndex) Stats() RemoteStats {
	if d == nil {
		return RemoteStats{}
	}
	return RemoteStats{
		QueueDroppedTotal: d.dropped.Load(),
		FlushFailTotal:    d.flushFail.Load(),
		SentTotal:         d.sent.Load(),
	}
}

func (d *RemoteIndex) RecordMatch(row MatchRow) {
	if row.StartedAt == "" {
		row.StartedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	d.enqueue(remoteEvent{Kind: "match", MatchID: row.MatchID, Payload: row})
}

func (d *RemoteIndex) WriteTick(entry replay.TickEntry) error {
	d.enqueue(remoteEvent{Kind: "tick", MatchID: entry.MatchID, Payload: entry})
	return nil
}

func (d *RemoteIndex) WriteSnapshot(matchID string, snap protocol.ReplaySnapshot) error {
	d.enqueue(remoteEvent{Kind: "snapshot", MatchID: matchID, Payload: remoteSnapshotPayload{
		Tick:     snap.Tick,
		Digest:   snap.Digest,
		MapBytes: len(snap.Map),
	}})
	return nil
}

func (d *RemoteIndex) enqueue(ev remoteEvent) {
	if d == nil || d.closed.Load() {
		return
	}
	ev.ServerID = d.cfg.ServerID
	select {
	case d.ch <- ev:
	default:
		d.dropped.Add(1)
		d.printf("index queue full; drop kind=%s match=%s", ev.Kind, ev.MatchID)
	}
}

func (d *RemoteIndex) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]remoteEvent, 0, d.cfg.BatchSize)
	flush := func() {
		for len(batch) > 0 {
			n := min(len(batch), d.cfg.BatchSize)
			if err := d.sendBatch(batch[:n]); err != nil {
				d.flushFail.Add(1)
				d.printf("index flush failed batch=%d err=%v", n, err)
				// Keep the batch; cap what is held while the endpoint is down.
				if over := len(batch) - d.cfg.MaxPending; over > 0 {
					d.dropped.Add(uint64(over))
					batch = append(batch[:0], batch[over:]...)
				}
				return
			}
			d.sent.Add(uint64(n))
			batch = append(batch[:0], batch[n:]...)
		}
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *RemoteIndex) sendBatch(events []remoteEvent) error {
	body := struct {
		Events []remoteEvent `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	if d.cfg.Token != "" {
		req.Header.Set("x-vc-index-token", d.cfg.Token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

func (d *RemoteIndex) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
