package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/taglocalizer/internal/config"
	"github.com/banshee-data/taglocalizer/internal/configwatch"
	"github.com/banshee-data/taglocalizer/internal/fusion"
	"github.com/banshee-data/taglocalizer/internal/localizer"
	"github.com/banshee-data/taglocalizer/internal/monitor"
	"github.com/banshee-data/taglocalizer/internal/observation"
	"github.com/banshee-data/taglocalizer/internal/odometry"
	"github.com/banshee-data/taglocalizer/internal/publish"
	"github.com/banshee-data/taglocalizer/internal/serialmux"
	"github.com/banshee-data/taglocalizer/internal/store"
	"github.com/banshee-data/taglocalizer/internal/stream"
	"github.com/banshee-data/taglocalizer/internal/tagmodel"
	"github.com/banshee-data/taglocalizer/internal/timeutil"
	"github.com/banshee-data/taglocalizer/internal/version"
	"github.com/banshee-data/taglocalizer/internal/vision"
)

// app owns every long-lived component of one localizer process.
type app struct {
	cfg *config.LocalizerConfig

	model       *tagmodel.Model
	watch       *configwatch.Listener
	serial      serialmux.SerialMuxInterface
	odom        *odometry.Listener
	cameras     []*vision.CameraListener
	trajectory  *monitor.Trajectory
	broadcaster *stream.Broadcaster
	publisher   *publish.DataPublisher
	runner      *fusion.Runner
	mux         *http.ServeMux

	db    *store.DB
	runID string

	// httpAddr is filled in once the HTTP listener is bound.
	httpAddr chan net.Addr
}

func newApp(cfg *config.LocalizerConfig, opts options) (a *app, err error) {
	a = &app{
		cfg:         cfg,
		model:       tagmodel.NewModel(),
		watch:       configwatch.NewListener(timeutil.RealClock{}, cfg.GetPriorNoise()),
		trajectory:  monitor.NewTrajectory(0),
		broadcaster: stream.NewBroadcaster(),
		mux:         http.NewServeMux(),
		httpAddr:    make(chan net.Addr, 1),
	}
	defer func() {
		if err != nil {
			a.close("startup failed")
		}
	}()

	// the startup layout and prior go through the same path as runtime
	// updates so the runner applies them in its first cycle
	if path := cfg.GetTagLayoutPath(); path != "" {
		layout, err := tagmodel.LoadLayoutFile(path)
		if err != nil {
			return a, err
		}
		a.watch.OfferTagLayout(layout, path)
	}
	if cfg.InitialPose != nil {
		prior := observation.PosePrior{Pose: cfg.InitialPose.Pose, Noise: cfg.GetPriorNoise()}
		if err := a.watch.OfferPosePrior(prior, cfg.Source()); err != nil {
			return a, err
		}
	}

	if a.serial, err = openSerial(cfg.Odometry); err != nil {
		return a, err
	}
	a.odom = odometry.NewListener(a.serial, cfg.GetOdometryNoise())

	sources := make([]fusion.VisionSource, 0, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		listener := vision.NewCameraListener(vision.CameraConfig{
			Name:          cam.Name,
			Address:       cam.Listen,
			RobotToCamera: cam.RobotToCamera,
			DefaultNoise:  cam.GetNoise(),
			ReadyTimeout:  cam.GetReadyTimeout(),
		})
		a.cameras = append(a.cameras, listener)
		sources = append(sources, listener)
	}

	a.publisher = publish.NewDataPublisher(a.trajectory, a.broadcaster, publish.NewLogSink(time.Second, nil))
	if !opts.noDB {
		if a.db, err = store.Open(cfg.GetDBPath()); err != nil {
			return a, fmt.Errorf("failed to open database: %w", err)
		}
		run, err := a.db.StartRun(cfg.Source(), time.Now())
		if err != nil {
			return a, err
		}
		a.runID = run.ID
		a.publisher.AddSink(store.NewRecorder(a.db, run.ID))
		log.Printf("[Store] recording run %s to %s", run.ID, a.db.Path())
	}

	a.runner, err = fusion.NewRunner(fusion.RunnerConfig{
		Estimator:  localizer.New(localizer.ConfigFromSettings(cfg), a.model),
		Odometry:   a.odom,
		Cameras:    sources,
		Config:     a.watch,
		Layout:     a.model,
		Publisher:  a.publisher,
		Schedule:   fusion.Schedule{Interval: cfg.GetInterval(), Backoff: cfg.GetBackoff()},
		MaxPending: cfg.GetMaxPending(),
	})
	if err != nil {
		return a, err
	}

	if err := a.attachRoutes(); err != nil {
		return a, err
	}
	return a, nil
}

func openSerial(cfg *config.OdometryConfig) (serialmux.SerialMuxInterface, error) {
	if cfg == nil || cfg.Port == "" || cfg.Port == serialmux.SimPort {
		return serialmux.NewSimulatedSerialMux(serialmux.DefaultDriveProfile()), nil
	}
	commands := cfg.InitCommands
	if len(commands) == 0 {
		commands = []string{"STREAM ON"}
	}
	mux, err := serialmux.NewRealSerialMux(cfg.Port, serialmux.PortOptions{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
	}, commands...)
	if err != nil {
		return nil, fmt.Errorf("failed to open drivetrain port: %w", err)
	}
	log.Printf("[Serial] opened drivetrain controller on %s", cfg.Port)
	return mux, nil
}

func (a *app) attachRoutes() error {
	srv := monitor.NewServer(a.runner, a.model, a.trajectory)
	srv.AddSection("odometry", func() any { return a.odom.Stats() })
	srv.AddSection("cameras", func() any {
		stats := make([]vision.CameraStats, 0, len(a.cameras))
		for _, c := range a.cameras {
			stats = append(stats, c.Stats())
		}
		return stats
	})
	srv.AddSection("config", func() any { return a.watch.Status() })
	srv.AddSection("sinks", func() any { return a.publisher.Stats() })
	srv.AddSection("stream", func() any { return a.broadcaster.Stats() })
	srv.AddSection("version", func() any { return version.Current() })
	if a.runID != "" {
		srv.AddSection("run", func() any { return map[string]string{"run_id": a.runID, "db": a.db.Path()} })
	}
	srv.AttachRoutes(a.mux)
	a.watch.AttachRoutes(a.mux)
	a.serial.AttachAdminRoutes(a.mux)
	if a.db != nil {
		if err := a.db.AttachAdminRoutes(a.mux); err != nil {
			return fmt.Errorf("failed to attach database admin routes: %w", err)
		}
	}
	return nil
}

// run starts the I/O goroutines and blocks in the fusion loop until ctx is
// cancelled or the estimator fails.
func (a *app) run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { a.close(exitReason(err)) }()

	if err := a.serial.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize drivetrain controller: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	// cancel before waiting so early returns do not hang
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.serial.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[Serial] monitor stopped: %v", err)
		}
		log.Print("[Serial] monitor routine terminated")
	}()
	a.odom.Start(ctx)

	for i, cam := range a.cameras {
		wg.Add(1)
		go func(cam *vision.CameraListener, cfg config.CameraConfig) {
			defer wg.Done()
			a.runCamera(ctx, cam, cfg)
		}(cam, a.cfg.Cameras[i])
	}

	if dir := a.cfg.GetWatchDir(); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create watch dir: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.watch.Watch(ctx, dir); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[Config] watcher stopped: %v", err)
			}
		}()
	}

	if addr := a.cfg.GetGRPCListen(); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC on %s: %w", addr, err)
		}
		a.broadcaster.Serve(lis)
		defer a.broadcaster.Stop()
	}

	lis, err := net.Listen("tcp", a.cfg.GetHTTPListen())
	if err != nil {
		return fmt.Errorf("failed to listen for HTTP on %s: %w", a.cfg.GetHTTPListen(), err)
	}
	a.httpAddr <- lis.Addr()
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.serveHTTP(ctx, lis)
	}()

	return a.runner.Run(ctx)
}

func (a *app) runCamera(ctx context.Context, cam *vision.CameraListener, cfg config.CameraConfig) {
	defer cam.Close()
	if cfg.Replay == "" {
		if err := cam.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[Vision] camera %s stopped: %v", cam.Name(), err)
		}
		return
	}

	opts := vision.ReplayOptions{Realtime: true, Restamp: true}
	if _, port, err := net.SplitHostPort(cfg.Listen); err == nil {
		opts.Port, _ = strconv.Atoi(port)
	}
	stats, err := cam.Replay(ctx, a.cfg.Resolve(cfg.Replay), opts)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[Vision] camera %s replay failed: %v", cam.Name(), err)
		return
	}
	log.Printf("[Vision] camera %s replay finished: %d packets, %d delivered, %d skipped, %d failed",
		cam.Name(), stats.Packets, stats.Delivered, stats.Skipped, stats.Failed)
}

func (a *app) serveHTTP(ctx context.Context, lis net.Listener) {
	server := &http.Server{Handler: a.mux}

	go func() {
		log.Printf("[HTTP] listening on %s", lis.Addr())
		if err := server.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Printf("[HTTP] server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[HTTP] shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[HTTP] shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("[HTTP] force close error: %v", err)
		}
	}
	log.Printf("[HTTP] server routine stopped")
}

// close flushes the sinks and releases the serial port and database. It is
// safe on a partially built app.
func (a *app) close(reason string) {
	if a.publisher != nil {
		if err := a.publisher.Flush(); err != nil {
			log.Printf("[Main] final flush: %v", err)
		}
	}
	if a.serial != nil {
		if err := a.serial.Close(); err != nil {
			log.Printf("[Serial] close: %v", err)
		}
		a.serial = nil
	}
	if a.db != nil {
		if a.runID != "" {
			if err := a.db.FinishRun(a.runID, reason, time.Now()); err != nil {
				log.Printf("[Store] %v", err)
			}
		}
		a.db.Close()
		a.db = nil
	}
}

func exitReason(err error) string {
	var estErr *fusion.EstimatorError
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return "shutdown"
	case errors.As(err, &estErr):
		return "estimator_error"
	default:
		return "error"
	}
}
