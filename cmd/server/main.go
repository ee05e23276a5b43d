package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"voxelrogue.dev/internal/asset"
	"voxelrogue.dev/internal/asset/indexdb"
	"voxelrogue.dev/internal/config"
	"voxelrogue.dev/internal/gpu"
	"voxelrogue.dev/internal/gpu/residency"
	"voxelrogue.dev/internal/observerproto"
	"voxelrogue.dev/internal/terrain"
	"voxelrogue.dev/internal/transport/observer"
	"voxelrogue.dev/internal/voxel/registry"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/engine.yaml", "engine config path")
		worldDir   = flag.String("world", "", "world directory (overrides config)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if strings.TrimSpace(*worldDir) != "" {
		cfg.WorldDir = strings.TrimSpace(*worldDir)
	}

	eng, err := newEngine(cfg, logger)
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		eng.run(ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", eng.metricsHandler())

	if envBool("VR_ENABLE_DEBUG_HTTP", true) {
		mux.HandleFunc("/admin/v1/state", eng.stateHandler())
		mux.HandleFunc("/admin/v1/player", eng.playerHandler())
		mux.HandleFunc("/admin/v1/save", eng.saveHandler())
		mux.HandleFunc("/debug/v1/bootstrap", eng.observer.BootstrapHandler())
		mux.HandleFunc("/debug/v1/stream", eng.observer.WSHandler())
	} else {
		logger.Printf("debug endpoints disabled (VR_ENABLE_DEBUG_HTTP=false)")
	}
	if envBool("VR_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("world %q listening on %s", cfg.WorldName, *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	<-done
	eng.close()
}

// engine owns the tick loop: terrain streaming, GPU residency and the
// debug observer. All engine state is confined to the loop goroutine;
// HTTP handlers talk to it through the mailbox.
type engine struct {
	cfg    config.Config
	log    *log.Logger
	tickNs time.Duration

	store *asset.Store
	index *indexdb.Index
	reg   *registry.Registry
	mgr   *terrain.Manager

	dev   gpu.Device
	data  *gpu.BufferAllocator
	world *residency.World

	observer *observer.Server

	mu        sync.Mutex
	playerPos mgl32.Vec3
	saveReq   bool
	tick      uint64
	lastState engineState
}

type engineState struct {
	Tick           uint64  `json:"tick"`
	PlayerChunk    [3]int32 `json:"player_chunk"`
	ResidentChunks int     `json:"resident_chunks"`
	LoadedModels   int     `json:"loaded_models"`
	PendingIO      int     `json:"pending_io"`
	Saving         bool    `json:"saving"`
	UnsavedEdits   bool    `json:"unsaved_edits"`
	GpuNodeBytes   uint64  `json:"gpu_node_bytes"`
	GpuVoxelBytes  uint64  `json:"gpu_voxel_bytes"`
	StepMS         float64 `json:"step_ms"`
}

func newEngine(cfg config.Config, logger *log.Logger) (*engine, error) {
	var store *asset.Store
	var index *indexdb.Index
	if cfg.WorldDir != "" {
		if err := os.MkdirAll(cfg.WorldDir, 0o755); err != nil {
			return nil, err
		}
		if err := ensureManifest(cfg); err != nil {
			return nil, err
		}
		store = asset.NewStore(cfg.IoWorkers)
		if cfg.IndexDb {
			var err error
			index, err = indexdb.Open(asset.IndexPath(cfg.WorldDir))
			if err != nil {
				logger.Printf("index db disabled: %v", err)
			}
		}
	}

	reg := registry.New()
	mgr := terrain.NewManager(terrain.Options{
		RenderDistance: cfg.RenderDistance,
		Dir:            cfg.WorldDir,
		QueueInterval:  cfg.QueueInterval(),
		BatchSize:      cfg.IoBatchSize,
	}, store, index, reg)

	dev := gpu.NewMemDevice()
	data := gpu.NewBufferAllocator(dev, "voxel_data", 1<<24, 1<<32)

	return &engine{
		cfg:    cfg,
		log:    logger,
		tickNs: cfg.TickDuration(),
		store:  store,
		index:  index,
		reg:    reg,
		mgr:    mgr,
		dev:    dev,
		data:   data,
		world:  residency.NewWorld(dev, data),
		observer: observer.NewServer(cfg.WorldName, observerproto.WorldParams{
			TickRateHz:       cfg.TickRateHz,
			RenderDistance:   cfg.RenderDistance,
			ChunkVoxelLength: terrain.ChunkVoxelLength,
			VoxelsPerMeter:   terrain.VoxelsPerMeter,
		}, logger),
	}, nil
}

// ensureManifest writes world.json for a fresh world dir and validates
// an existing one against the engine's constants.
func ensureManifest(cfg config.Config) error {
	m, err := asset.ReadManifest(cfg.WorldDir)
	if errors.Is(err, fs.ErrNotExist) {
		return asset.WriteManifest(cfg.WorldDir, asset.Manifest{
			Version:          1,
			Name:             cfg.WorldName,
			ChunkVoxelLength: terrain.ChunkVoxelLength,
			VoxelsPerMeter:   terrain.VoxelsPerMeter,
		})
	}
	if err != nil {
		return err
	}
	if m.ChunkVoxelLength != terrain.ChunkVoxelLength || m.VoxelsPerMeter != terrain.VoxelsPerMeter {
		return fmt.Errorf("world %s: incompatible scale %d/%d", cfg.WorldDir, m.ChunkVoxelLength, m.VoxelsPerMeter)
	}
	return nil
}

func (e *engine) run(ctx context.Context) {
	ticker := time.NewTicker(e.tickNs)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdownSave()
			return
		case <-ticker.C:
			e.step()
		}
	}
}

func (e *engine) step() {
	start := time.Now()

	e.mu.Lock()
	pos := e.playerPos
	save := e.saveReq
	e.saveReq = false
	e.tick++
	tick := e.tick
	e.mu.Unlock()

	e.mgr.UpdatePlayerPosition(pos)
	if save {
		e.mgr.EnqueueSaveAll()
		e.mgr.SaveTerrain()
	}
	e.mgr.Tick()

	window := e.mgr.Window()
	for _, id := range window.DrainUnloads() {
		e.world.ReleaseModel(id)
		e.reg.Unload(id, e.world.DataAllocator())
	}

	e.world.UpdateGpuObjects(e.dev, e.reg, window, 0)
	dispatches := e.world.BuildNormalDispatches(window, window.DrainNormalDirty())
	e.world.WriteRenderData(e.dev, e.reg, window, nil)
	_ = dispatches // headless: no compute queue to submit to

	st := engineState{
		Tick:           tick,
		ResidentChunks: residentCells(window),
		LoadedModels:   e.reg.Len(),
		PendingIO:      e.mgr.PendingIO(),
		Saving:         e.mgr.IsSaving(),
		UnsavedEdits:   e.mgr.HasUnsavedChanges(),
		GpuNodeBytes:   e.world.DataAllocator().UsedBytes(),
		GpuVoxelBytes:  e.world.DataAllocator().TotalSize(),
		StepMS:         float64(time.Since(start).Microseconds()) / 1000,
	}
	anchor := window.Anchor()
	side := int32(window.SideLength())
	st.PlayerChunk = [3]int32{anchor.X + side/2, anchor.Y + side/2, anchor.Z + side/2}

	e.mu.Lock()
	e.lastState = st
	e.mu.Unlock()

	e.observer.Publish(observerproto.TickMsg{
		Tick:           st.Tick,
		PlayerChunk:    st.PlayerChunk,
		ResidentChunks: st.ResidentChunks,
		LoadedModels:   st.LoadedModels,
		PendingIO:      st.PendingIO,
		Saving:         st.Saving,
		UnsavedEdits:   st.UnsavedEdits,
		GpuNodeBytes:   st.GpuNodeBytes,
		GpuVoxelBytes:  st.GpuVoxelBytes,
	}, e.windowSnapshot)
}

func (e *engine) windowSnapshot() observerproto.WindowMsg {
	window := e.mgr.Window()
	side := window.SideLength()
	cells := make([]string, int(side)*int(side)*int(side))
	for i := range cells {
		switch id := window.ModelAt(i); {
		case id.IsNull():
			cells[i] = "null"
		case id.IsAir():
			cells[i] = "air"
		default:
			cells[i] = e.reg.Name(id)
		}
	}
	anchor := window.Anchor()
	return observerproto.WindowMsg{
		Anchor:     [3]int32{anchor.X, anchor.Y, anchor.Z},
		SideLength: side,
		Cells:      cells,
	}
}

func residentCells(w *terrain.RenderWindow) int {
	side := int(w.SideLength())
	n := 0
	for i := 0; i < side*side*side; i++ {
		id := w.ModelAt(i)
		if !id.IsNull() && !id.IsAir() {
			n++
		}
	}
	return n
}

// shutdownSave flushes the whole world to disk before the loop exits.
func (e *engine) shutdownSave() {
	if e.cfg.WorldDir == "" {
		return
	}
	e.log.Printf("saving world to %s", e.cfg.WorldDir)
	e.mgr.EnqueueSaveAll()
	e.mgr.SaveTerrain()
	deadline := time.Now().Add(30 * time.Second)
	for e.mgr.IsSaving() && time.Now().Before(deadline) {
		e.mgr.Tick()
		time.Sleep(5 * time.Millisecond)
	}
	if e.mgr.IsSaving() {
		e.log.Printf("save incomplete at shutdown deadline")
	}
}

func (e *engine) close() {
	if e.store != nil {
		e.store.Close()
	}
	if e.index != nil {
		e.index.Close()
	}
}

func (e *engine) state() engineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastState
}

func (e *engine) metricsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		st := e.state()
		name := e.cfg.WorldName

		fmt.Fprintf(rw, "# HELP voxelrogue_tick Current engine tick.\n")
		fmt.Fprintf(rw, "# TYPE voxelrogue_tick gauge\n")
		fmt.Fprintf(rw, "voxelrogue_tick{world=%q} %d\n", name, st.Tick)

		fmt.Fprintf(rw, "# HELP voxelrogue_resident_chunks Chunks resident in the render window.\n")
		fmt.Fprintf(rw, "# TYPE voxelrogue_resident_chunks gauge\n")
		fmt.Fprintf(rw, "voxelrogue_resident_chunks{world=%q} %d\n", name, st.ResidentChunks)

		fmt.Fprintf(rw, "# HELP voxelrogue_loaded_models Models registered in the model registry.\n")
		fmt.Fprintf(rw, "# TYPE voxelrogue_loaded_models gauge\n")
		fmt.Fprintf(rw, "voxelrogue_loaded_models{world=%q} %d\n", name, st.LoadedModels)

		fmt.Fprintf(rw, "# HELP voxelrogue_pending_io Outstanding asset load and save tasks.\n")
		fmt.Fprintf(rw, "# TYPE voxelrogue_pending_io gauge\n")
		fmt.Fprintf(rw, "voxelrogue_pending_io{world=%q} %d\n", name, st.PendingIO)

		fmt.Fprintf(rw, "# HELP voxelrogue_gpu_data_used_bytes Bytes used in the voxel data buffer.\n")
		fmt.Fprintf(rw, "# TYPE voxelrogue_gpu_data_used_bytes gauge\n")
		fmt.Fprintf(rw, "voxelrogue_gpu_data_used_bytes{world=%q} %d\n", name, st.GpuNodeBytes)

		fmt.Fprintf(rw, "# HELP voxelrogue_gpu_data_total_bytes Capacity of the voxel data buffer.\n")
		fmt.Fprintf(rw, "# TYPE voxelrogue_gpu_data_total_bytes gauge\n")
		fmt.Fprintf(rw, "voxelrogue_gpu_data_total_bytes{world=%q} %d\n", name, st.GpuVoxelBytes)

		fmt.Fprintf(rw, "# HELP voxelrogue_step_ms Last tick step duration in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE voxelrogue_step_ms gauge\n")
		fmt.Fprintf(rw, "voxelrogue_step_ms{world=%q} %.3f\n", name, st.StepMS)

		if e.index != nil {
			counts, bytes, err := e.index.Stats()
			if err == nil {
				fmt.Fprintf(rw, "# HELP voxelrogue_blobs Saved blob files by kind.\n")
				fmt.Fprintf(rw, "# TYPE voxelrogue_blobs gauge\n")
				for kind, n := range counts {
					fmt.Fprintf(rw, "voxelrogue_blobs{world=%q,kind=%q} %d\n", name, kind, n)
					fmt.Fprintf(rw, "voxelrogue_blob_bytes{world=%q,kind=%q} %d\n", name, kind, bytes[kind])
				}
			}
		}
	}
}

func (e *engine) stateHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(e.state())
	}
}

// playerHandler moves the streamed viewpoint. The tick loop picks the
// new position up on its next step.
func (e *engine) playerHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		var body struct {
			X float32 `json:"x"`
			Y float32 `json:"y"`
			Z float32 `json:"z"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(rw, "bad body", http.StatusBadRequest)
			return
		}
		e.mu.Lock()
		e.playerPos = mgl32.Vec3{body.X, body.Y, body.Z}
		e.mu.Unlock()
		rw.WriteHeader(http.StatusNoContent)
	}
}

func (e *engine) saveHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		if e.cfg.WorldDir == "" {
			http.Error(rw, "no world dir", http.StatusConflict)
			return
		}
		e.mu.Lock()
		e.saveReq = true
		e.mu.Unlock()
		rw.WriteHeader(http.StatusAccepted)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(name string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
