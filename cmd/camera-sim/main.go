// Command camera-sim sends synthetic tag detection packets to a running
// localizer, optionally recording them to a pcap file for later replay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/taglocalizer/internal/config"
	"github.com/banshee-data/taglocalizer/internal/configwatch"
	"github.com/banshee-data/taglocalizer/internal/geom"
	"github.com/banshee-data/taglocalizer/internal/observation"
	"github.com/banshee-data/taglocalizer/internal/serialmux"
	"github.com/banshee-data/taglocalizer/internal/tagmodel"
	"github.com/banshee-data/taglocalizer/internal/timeutil"
	"github.com/banshee-data/taglocalizer/internal/vision"
)

type options struct {
	configPath string
	camera     string
	target     string
	interval   time.Duration
	count      int
	record     string
	priorURL   string
	sigma      float64
	maxRange   float64
	fovDeg     float64
	seed       uint64
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("camera-sim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", config.DefaultConfigPath, "Localizer config providing the layout and camera")
	fs.StringVar(&opts.camera, "camera", "", "Camera to simulate (default: first in config)")
	fs.StringVar(&opts.target, "target", "", "UDP address to send to (default: the camera's listen address)")
	fs.DurationVar(&opts.interval, "interval", 33*time.Millisecond, "Frame interval")
	fs.IntVar(&opts.count, "count", 0, "Stop after this many frames (0 runs until interrupted)")
	fs.StringVar(&opts.record, "record", "", "Also write frames to this pcap file")
	fs.StringVar(&opts.priorURL, "prior-url", "", "Localizer HTTP base URL to seed with the config's initial pose")
	fs.Float64Var(&opts.sigma, "noise", 0.02, "Detection noise sigma in metres")
	fs.Float64Var(&opts.maxRange, "range", 6, "Maximum detection range in metres")
	fs.Float64Var(&opts.fovDeg, "fov", 70, "Horizontal field of view in degrees")
	fs.Uint64Var(&opts.seed, "seed", 1, "Noise random seed")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 0 {
		fs.Usage()
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.interval <= 0 {
		return opts, fmt.Errorf("-interval must be positive")
	}
	return opts, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := simulate(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[CameraSim] %v", err)
		return 1
	}
	return 0
}

func simulate(ctx context.Context, opts options) error {
	cfg, err := config.LoadLocalizerConfig(opts.configPath)
	if err != nil {
		return err
	}
	cam, err := pickCamera(cfg, opts.camera)
	if err != nil {
		return err
	}
	layoutPath := cfg.GetTagLayoutPath()
	if layoutPath == "" {
		return fmt.Errorf("config %s has no tag_layout", opts.configPath)
	}
	layout, err := tagmodel.LoadLayoutFile(layoutPath)
	if err != nil {
		return err
	}

	var start geom.Pose2
	if cfg.InitialPose != nil {
		start = cfg.InitialPose.Pose
	}
	if opts.priorURL != "" {
		client := configwatch.NewClient(opts.priorURL, nil)
		prior := observation.PosePrior{Pose: start, Noise: cfg.GetPriorNoise()}
		if err := client.PostPosePrior(prior); err != nil {
			return fmt.Errorf("failed to seed prior: %w", err)
		}
		log.Printf("[CameraSim] seeded %s with prior %v", opts.priorURL, start)
	}

	target := opts.target
	if target == "" {
		target = cam.Listen
	}
	dst, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", target, err)
	}
	conn, err := net.DialUDP("udp", nil, dst)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", dst, err)
	}
	defer conn.Close()

	var rec *vision.PCAPWriter
	if opts.record != "" {
		f, err := os.Create(opts.record)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", opts.record, err)
		}
		defer f.Close()
		src, _ := conn.LocalAddr().(*net.UDPAddr)
		if rec, err = vision.NewPCAPWriter(f, src, dst); err != nil {
			return err
		}
	}

	gen := newGenerator(layout, cam.RobotToCamera, start,
		view{MaxRange: opts.maxRange, FOV: opts.fovDeg * math.Pi / 180},
		serialmux.DefaultDriveProfile(), opts.sigma, opts.seed)
	log.Printf("[CameraSim] camera %s sending to %s every %v (%d tags in layout)",
		cam.Name, dst, opts.interval, len(layout.Tags))

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	clock := timeutil.RealClock{}
	for seq := uint64(1); opts.count == 0 || seq <= uint64(opts.count); seq++ {
		now := clock.Now()
		pkt := vision.DetectionPacket{
			Camera:     cam.Name,
			TimeUs:     timeutil.MonotonicMicros(clock),
			Sequence:   seq,
			Detections: gen.detect(),
		}
		payload, err := vision.EncodePacket(pkt)
		if err != nil {
			return err
		}
		if _, err := conn.Write(payload); err != nil {
			log.Printf("[CameraSim] send failed: %v", err)
		}
		if rec != nil {
			if err := rec.WritePayload(now, payload); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		gen.step(opts.interval.Seconds())
	}
	return nil
}

func pickCamera(cfg *config.LocalizerConfig, name string) (config.CameraConfig, error) {
	if len(cfg.Cameras) == 0 {
		return config.CameraConfig{}, fmt.Errorf("config has no cameras")
	}
	if name == "" {
		return cfg.Cameras[0], nil
	}
	for _, c := range cfg.Cameras {
		if c.Name == name {
			return c, nil
		}
	}
	return config.CameraConfig{}, fmt.Errorf("camera %q not in config", name)
}
