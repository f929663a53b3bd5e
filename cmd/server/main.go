package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"voxelcombat.gg/internal/match"
	"voxelcombat.gg/internal/persistence/indexdb"
	persistlog "voxelcombat.gg/internal/persistence/log"
	"voxelcombat.gg/internal/persistence/mapstore"
	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/replay"
	"voxelcombat.gg/internal/sim/rooms"
	"voxelcombat.gg/internal/sim/tuning"
	"voxelcombat.gg/internal/transport/httpapi"
	"voxelcombat.gg/internal/transport/observer"
	"voxelcombat.gg/internal/transport/ws"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "http listen address")
		configDir    = flag.String("configs", "./configs", "config directory")
		dataDir      = flag.String("data", "./data", "runtime data directory (maps, match logs, index)")
		tuningPath   = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		roomsPath    = flag.String("rooms", "", "path to rooms.yaml (default: <configs>/rooms.yaml)")
		seed         = flag.Int64("seed", 1337, "bot seed")
		disableDB    = flag.Bool("disable_db", false, "disable match indexing (SQLite and remote)")
		loopbackObsv = flag.Bool("observer_loopback_only", false, "accept spectators only from loopback addresses")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := *tuningPath
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning %s not found, using defaults", tp)
		tune = tuning.Defaults()
	}

	rp := *roomsPath
	if rp == "" {
		rp = filepath.Join(*configDir, "rooms.yaml")
	}
	roomCfg, err := rooms.Load(rp)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("load rooms: %v", err)
		}
		logger.Printf("rooms %s not found, using defaults", rp)
		roomCfg, _ = rooms.Load("")
	}
	serverID := roomCfg.ServerID()

	idx, err := openIndexes(*dataDir, serverID.String(), *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index: %v", err)
	}
	defer func() {
		if err := idx.Close(); err != nil {
			logger.Printf("close index: %v", err)
		}
	}()

	env := matchEnv{
		dataDir:  *dataDir,
		serverID: serverID,
		tune:     tune,
		maps:     mapstore.New(*dataDir),
		idx:      idx,
		seed:     *seed,
		logger:   logger,
	}
	mgr := match.NewManager()
	for _, spec := range roomCfg.Matches {
		rt, err := env.start(spec)
		if err != nil {
			logger.Fatalf("match %s: %v", spec.ID, err)
		}
		if err := mgr.Add(rt); err != nil {
			logger.Fatalf("match %s: %v", spec.ID, err)
		}
		logger.Printf("match %s: map=%s players=%d", spec.ID, spec.MapID, len(spec.Players))
	}

	obs := observer.NewServer(mgr, logger)
	obs.LoopbackOnly = *loopbackObsv
	router := httpapi.NewRouter(httpapi.Deps{
		Matches:   mgr,
		History:   idx.history(),
		Players:   ws.NewServer(mgr, logger).Handler(),
		Observers: obs.WSHandler(),
	})

	mux := http.NewServeMux()
	mux.Handle("/", router)
	if envBool("VXC_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (VXC_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		logger.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ListenAndServe: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("stopped: %v", err)
	}
}

type matchEnv struct {
	dataDir  string
	serverID uuid.UUID
	tune     tuning.Tuning
	maps     *mapstore.Store
	idx      *indexes
	seed     int64
	logger   *log.Logger
}

// start builds the runtime of one configured match. Live matches record
// to <data>/matches/<id>; a match with a replay file re-runs it.
func (e matchEnv) start(spec rooms.MatchSpec) (*match.Runtime, error) {
	players, clients, err := spec.Roster(e.serverID)
	if err != nil {
		return nil, err
	}
	cfg := match.Config{
		MatchID:  spec.ID,
		MapID:    spec.MapID,
		Mode:     protocol.GameMode(spec.Mode),
		ServerID: e.serverID,
		Players:  players,
		Clients:  clients,
		Tuning:   e.tune,
		Maps:     e.maps,
		Logger:   e.logger,
		Seed:     e.seed,
	}

	if spec.Replay != "" {
		path := spec.Replay
		if !filepath.IsAbs(path) {
			path = filepath.Join(e.dataDir, path)
		}
		data, err := persistlog.ReadReplay(path)
		if err != nil {
			return nil, fmt.Errorf("load replay: %w", err)
		}
		cfg.Playback = &data
		return match.NewRuntime(cfg)
	}

	dir := filepath.Join(e.dataDir, "matches", spec.ID)
	recorded := match.ReplayPlayers(spec.ID, players)
	ml := persistlog.NewMatchLogger(dir, spec.MapID, recorded)
	cfg.Sink = replay.Tee(append([]replay.Sink{ml}, e.idx.sinks()...)...)
	rt, err := match.NewRuntime(cfg)
	if err != nil {
		_ = ml.Close()
		return nil, err
	}
	e.idx.recordMatch(indexdb.MatchRow{
		MatchID: spec.ID,
		MapID:   spec.MapID,
		Mode:    cfg.Mode,
		Players: recorded,
	})

	logger := e.logger
	rt.OnStop(func(s *match.Server) {
		data, err := s.GetReplay(s.ServerID())
		if err != nil {
			// Never launched.
			return
		}
		if err := persistlog.WriteReplay(persistlog.ReplayPath(dir), data); err != nil && logger != nil {
			logger.Printf("match %s: write replay: %v", spec.ID, err)
		}
	})
	rt.OnClose(ml.Close)
	return rt, nil
}
