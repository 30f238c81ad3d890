package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/taglocalizer/internal/geom"
)

// DefaultConfigPath is used when no config path is given on the command line.
const DefaultConfigPath = "config/simulator.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// LocalizerConfig is the root configuration for a localizer process. Every
// optional scalar is a pointer so that partial files fall back to the
// defaults returned by the Get* accessors.
type LocalizerConfig struct {
	// TagLayout is the path of the field layout, relative to the config file.
	TagLayout   *string      `json:"tag_layout,omitempty" yaml:"tag_layout,omitempty"`
	InitialPose *PriorConfig `json:"initial_pose,omitempty" yaml:"initial_pose,omitempty"`

	Odometry *OdometryConfig `json:"odometry,omitempty" yaml:"odometry,omitempty"`
	Cameras  []CameraConfig  `json:"cameras" yaml:"cameras"`

	Estimator *EstimatorConfig `json:"estimator,omitempty" yaml:"estimator,omitempty"`
	Loop      *LoopConfig      `json:"loop,omitempty" yaml:"loop,omitempty"`

	// WatchDir receives pose_prior and tag_layout files at runtime.
	WatchDir   *string `json:"watch_dir,omitempty" yaml:"watch_dir,omitempty"`
	HTTPListen *string `json:"http_listen,omitempty" yaml:"http_listen,omitempty"`
	GRPCListen *string `json:"grpc_listen,omitempty" yaml:"grpc_listen,omitempty"`
	DBPath     *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`

	// path the config was loaded from; relative paths resolve against its dir
	source string
}

// PriorConfig is a pose prior offered to the estimator at startup.
type PriorConfig struct {
	Pose  geom.Pose2  `json:"pose" yaml:"pose"`
	Noise *geom.Noise `json:"noise,omitempty" yaml:"noise,omitempty"`
}

// OdometryConfig describes the serial link to the drivetrain controller.
type OdometryConfig struct {
	// Port is a device path, or "sim" for the built-in simulated drive.
	Port         string   `json:"port" yaml:"port"`
	BaudRate     int      `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	DataBits     int      `json:"data_bits,omitempty" yaml:"data_bits,omitempty"`
	StopBits     int      `json:"stop_bits,omitempty" yaml:"stop_bits,omitempty"`
	Parity       string   `json:"parity,omitempty" yaml:"parity,omitempty"`
	InitCommands []string `json:"init_commands,omitempty" yaml:"init_commands,omitempty"`
	// Noise applies to samples that do not carry their own.
	Noise *geom.Noise `json:"noise,omitempty" yaml:"noise,omitempty"`
}

// CameraConfig describes one tag detector.
type CameraConfig struct {
	Name string `json:"name" yaml:"name"`
	// Listen is the UDP address detection packets arrive on.
	Listen string `json:"listen" yaml:"listen"`
	// RobotToCamera is the mounting extrinsic.
	RobotToCamera geom.Pose2  `json:"robot_to_camera" yaml:"robot_to_camera"`
	Noise         *geom.Noise `json:"noise,omitempty" yaml:"noise,omitempty"`
	// ReadyTimeout is how recent the last frame must be for the camera to
	// count as ready, e.g. "250ms".
	ReadyTimeout *string `json:"ready_timeout,omitempty" yaml:"ready_timeout,omitempty"`
	// Replay is an optional pcap file fed into the camera instead of the
	// live socket.
	Replay string `json:"replay,omitempty" yaml:"replay,omitempty"`
}

// EstimatorConfig tunes the filter.
type EstimatorConfig struct {
	GateChi2       *float64 `json:"gate_chi2,omitempty" yaml:"gate_chi2,omitempty"`
	HistoryLimit   *int     `json:"history_limit,omitempty" yaml:"history_limit,omitempty"`
	MaxVisionAge   *string  `json:"max_vision_age,omitempty" yaml:"max_vision_age,omitempty"`
	MaxCovariance  *float64 `json:"max_covariance,omitempty" yaml:"max_covariance,omitempty"`
	MinTagDistance *float64 `json:"min_tag_distance,omitempty" yaml:"min_tag_distance,omitempty"`
}

// LoopConfig controls the fusion loop schedule and backlog bound.
type LoopConfig struct {
	Interval   *string `json:"interval,omitempty" yaml:"interval,omitempty"`
	Backoff    *string `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	MaxPending *int    `json:"max_pending,omitempty" yaml:"max_pending,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// LoadLocalizerConfig loads a LocalizerConfig from a .json, .yaml or .yml
// file. The file must be under 1MB.
func LoadLocalizerConfig(path string) (*LocalizerConfig, error) {
	cleanPath := filepath.Clean(path)
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(cleanPath)), ".")
	switch format {
	case "json", "yaml", "yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", filepath.Ext(cleanPath))
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseLocalizerConfig(data, format)
	if err != nil {
		return nil, err
	}
	cfg.source = cleanPath
	return cfg, nil
}

// ParseLocalizerConfig decodes and validates a config document. Unknown
// keys are rejected so that typos do not silently fall back to defaults.
func ParseLocalizerConfig(data []byte, format string) (*LocalizerConfig, error) {
	cfg := &LocalizerConfig{}
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *LocalizerConfig) Validate() error {
	if c.Odometry == nil || strings.TrimSpace(c.Odometry.Port) == "" {
		return fmt.Errorf("odometry.port is required")
	}

	seen := make(map[string]bool, len(c.Cameras))
	for i, cam := range c.Cameras {
		if cam.Name == "" {
			return fmt.Errorf("cameras[%d]: name is required", i)
		}
		if seen[cam.Name] {
			return fmt.Errorf("cameras[%d]: duplicate camera name %q", i, cam.Name)
		}
		seen[cam.Name] = true
		if cam.Listen == "" && cam.Replay == "" {
			return fmt.Errorf("camera %q: one of listen or replay is required", cam.Name)
		}
		if !cam.RobotToCamera.IsFinite() {
			return fmt.Errorf("camera %q: robot_to_camera must be finite", cam.Name)
		}
		if cam.Noise != nil && !cam.Noise.Valid() {
			return fmt.Errorf("camera %q: noise sigmas must be positive", cam.Name)
		}
		if err := validateDuration("ready_timeout", cam.ReadyTimeout); err != nil {
			return fmt.Errorf("camera %q: %w", cam.Name, err)
		}
	}

	if c.InitialPose != nil {
		if !c.InitialPose.Pose.IsFinite() {
			return fmt.Errorf("initial_pose.pose must be finite")
		}
		if c.InitialPose.Noise != nil && !c.InitialPose.Noise.Valid() {
			return fmt.Errorf("initial_pose.noise sigmas must be positive")
		}
	}
	if c.Odometry.Noise != nil && !c.Odometry.Noise.Valid() {
		return fmt.Errorf("odometry.noise sigmas must be positive")
	}

	if e := c.Estimator; e != nil {
		if e.GateChi2 != nil && *e.GateChi2 <= 0 {
			return fmt.Errorf("estimator.gate_chi2 must be positive, got %f", *e.GateChi2)
		}
		if e.HistoryLimit != nil && *e.HistoryLimit < 2 {
			return fmt.Errorf("estimator.history_limit must be at least 2, got %d", *e.HistoryLimit)
		}
		if e.MaxCovariance != nil && *e.MaxCovariance <= 0 {
			return fmt.Errorf("estimator.max_covariance must be positive, got %f", *e.MaxCovariance)
		}
		if e.MinTagDistance != nil && *e.MinTagDistance < 0 {
			return fmt.Errorf("estimator.min_tag_distance must be non-negative, got %f", *e.MinTagDistance)
		}
		if err := validateDuration("estimator.max_vision_age", e.MaxVisionAge); err != nil {
			return err
		}
	}

	if l := c.Loop; l != nil {
		if err := validateDuration("loop.interval", l.Interval); err != nil {
			return err
		}
		if err := validateDuration("loop.backoff", l.Backoff); err != nil {
			return err
		}
		if l.MaxPending != nil && *l.MaxPending < 0 {
			return fmt.Errorf("loop.max_pending must be non-negative, got %d", *l.MaxPending)
		}
	}
	return nil
}

func validateDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative, got %s", name, *v)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// Resolve returns p relative to the directory of the loaded config file.
// Absolute paths and configs not loaded from disk return p unchanged.
func (c *LocalizerConfig) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.source == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.source), p)
}

// Source returns the path the config was loaded from.
func (c *LocalizerConfig) Source() string {
	return c.source
}

// GetTagLayoutPath returns the resolved layout path, or "" if none is set.
func (c *LocalizerConfig) GetTagLayoutPath() string {
	if c.TagLayout == nil {
		return ""
	}
	return c.Resolve(*c.TagLayout)
}

// GetWatchDir returns the resolved watch directory, or "" when watching is
// disabled.
func (c *LocalizerConfig) GetWatchDir() string {
	if c.WatchDir == nil {
		return ""
	}
	return c.Resolve(*c.WatchDir)
}

// GetHTTPListen returns the http_listen value or the default.
func (c *LocalizerConfig) GetHTTPListen() string {
	if c.HTTPListen == nil {
		return ":8088"
	}
	return *c.HTTPListen
}

// GetGRPCListen returns the grpc_listen value or the default. An empty
// string disables the stream server.
func (c *LocalizerConfig) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return ":50061"
	}
	return *c.GRPCListen
}

// GetDBPath returns the db_path value or the default.
func (c *LocalizerConfig) GetDBPath() string {
	if c.DBPath == nil {
		return "taglocalizer.db"
	}
	return c.Resolve(*c.DBPath)
}

// GetInterval returns the nominal loop period.
func (c *LocalizerConfig) GetInterval() time.Duration {
	if c.Loop == nil {
		return 10 * time.Millisecond
	}
	return durationOr(c.Loop.Interval, 10*time.Millisecond)
}

// GetBackoff returns the sleep taken when the readiness gate fails.
func (c *LocalizerConfig) GetBackoff() time.Duration {
	if c.Loop == nil {
		return time.Second
	}
	return durationOr(c.Loop.Backoff, time.Second)
}

// GetMaxPending returns the vision backlog bound; 0 is unbounded.
func (c *LocalizerConfig) GetMaxPending() int {
	if c.Loop == nil || c.Loop.MaxPending == nil {
		return 0
	}
	return *c.Loop.MaxPending
}

// GetOdometryNoise returns the default odometry sigmas.
func (c *LocalizerConfig) GetOdometryNoise() geom.Noise {
	if c.Odometry == nil || c.Odometry.Noise == nil {
		return geom.Noise{X: 0.02, Y: 0.02, Theta: 0.01}
	}
	return *c.Odometry.Noise
}

// GetPriorNoise returns the sigmas for the startup prior.
func (c *LocalizerConfig) GetPriorNoise() geom.Noise {
	if c.InitialPose == nil || c.InitialPose.Noise == nil {
		return geom.Noise{X: 0.5, Y: 0.5, Theta: 0.2}
	}
	return *c.InitialPose.Noise
}

// GetGateChi2 returns the Mahalanobis gate for tag updates. The default is
// the 99% quantile of χ² with three degrees of freedom.
func (c *LocalizerConfig) GetGateChi2() float64 {
	if c.Estimator == nil || c.Estimator.GateChi2 == nil {
		return 11.34
	}
	return *c.Estimator.GateChi2
}

// GetHistoryLimit returns how many odometry poses are kept for delayed
// vision updates.
func (c *LocalizerConfig) GetHistoryLimit() int {
	if c.Estimator == nil || c.Estimator.HistoryLimit == nil {
		return 2048
	}
	return *c.Estimator.HistoryLimit
}

// GetMaxVisionAge returns the oldest frame, relative to the latest odometry,
// that the estimator still accepts.
func (c *LocalizerConfig) GetMaxVisionAge() time.Duration {
	if c.Estimator == nil {
		return 2 * time.Second
	}
	return durationOr(c.Estimator.MaxVisionAge, 2*time.Second)
}

// GetMaxCovariance returns the diagonal bound above which the filter is
// declared diverged.
func (c *LocalizerConfig) GetMaxCovariance() float64 {
	if c.Estimator == nil || c.Estimator.MaxCovariance == nil {
		return 1e6
	}
	return *c.Estimator.MaxCovariance
}

// GetMinTagDistance returns the closest a tag may appear before the
// detection is treated as spurious.
func (c *LocalizerConfig) GetMinTagDistance() float64 {
	if c.Estimator == nil || c.Estimator.MinTagDistance == nil {
		return 0.1
	}
	return *c.Estimator.MinTagDistance
}

// GetReadyTimeout returns how stale the camera's last frame may be.
func (cam CameraConfig) GetReadyTimeout() time.Duration {
	return durationOr(cam.ReadyTimeout, 500*time.Millisecond)
}

// GetNoise returns the per-tag measurement sigmas.
func (cam CameraConfig) GetNoise() geom.Noise {
	if cam.Noise == nil {
		return geom.Noise{X: 0.1, Y: 0.1, Theta: 0.05}
	}
	return *cam.Noise
}

// Simulator returns the configuration used for bench runs against the
// simulated drive and a single camera-sim instance.
func Simulator() *LocalizerConfig {
	return &LocalizerConfig{
		TagLayout: ptrString("field.json"),
		InitialPose: &PriorConfig{
			Pose:  geom.Pose2{X: 1, Y: 1},
			Noise: &geom.Noise{X: 0.5, Y: 0.5, Theta: 0.2},
		},
		Odometry: &OdometryConfig{Port: "sim"},
		Cameras: []CameraConfig{{
			Name:         "front",
			Listen:       "127.0.0.1:5800",
			ReadyTimeout: ptrString("500ms"),
		}},
		Estimator: &EstimatorConfig{
			GateChi2:     ptrFloat64(11.34),
			HistoryLimit: ptrInt(2048),
		},
		Loop: &LoopConfig{
			Interval:   ptrString("10ms"),
			Backoff:    ptrString("1s"),
			MaxPending: ptrInt(0),
		},
	}
}
