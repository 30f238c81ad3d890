package serialmux

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/taglocalizer/internal/geom"
	"github.com/banshee-data/taglocalizer/internal/observation"
	"github.com/banshee-data/taglocalizer/internal/timeutil"
)

// SimPort is the port name that selects the simulated drivetrain.
const SimPort = "sim"

// DriveProfile is the constant body velocity of the simulated robot.
type DriveProfile struct {
	Speed    float64 // m/s along the body x axis
	TurnRate float64 // rad/s
	Rate     time.Duration
}

// DefaultDriveProfile drives a slow circle of radius 2m at 100Hz.
func DefaultDriveProfile() DriveProfile {
	return DriveProfile{Speed: 0.5, TurnRate: 0.25, Rate: 10 * time.Millisecond}
}

// SimulatedDrive is a SerialPorter that emits odometry lines the way the
// drivetrain firmware does. It understands the STREAM ON and STREAM OFF
// commands; everything else is acknowledged and ignored.
type SimulatedDrive struct {
	profile DriveProfile
	clock   timeutil.Clock

	r *io.PipeReader
	w *io.PipeWriter

	mu        sync.Mutex
	streaming bool
	commands  []string

	done chan struct{}
	once sync.Once
}

// NewSimulatedDrive starts the generator. Streaming begins only after a
// STREAM ON command, matching the firmware.
func NewSimulatedDrive(profile DriveProfile, clock timeutil.Clock) *SimulatedDrive {
	if profile.Rate <= 0 {
		profile.Rate = DefaultDriveProfile().Rate
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	r, w := io.Pipe()
	d := &SimulatedDrive{
		profile: profile,
		clock:   clock,
		r:       r,
		w:       w,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// NewSimulatedSerialMux returns a mux over a simulated drive. The drive
// starts streaming once Initialize is called.
func NewSimulatedSerialMux(profile DriveProfile) *SerialMux[*SimulatedDrive] {
	drive := NewSimulatedDrive(profile, nil)
	log.Printf("[Serial] using simulated drivetrain: %v", profile)
	return NewSerialMux(drive, "STREAM ON")
}

func (d *SimulatedDrive) run() {
	ticker := time.NewTicker(d.profile.Rate)
	defer ticker.Stop()
	dt := d.profile.Rate.Seconds()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}
		d.mu.Lock()
		streaming := d.streaming
		d.mu.Unlock()
		if !streaming {
			continue
		}

		step := geom.Exp(geom.Twist2{DX: d.profile.Speed * dt, DTheta: d.profile.TurnRate * dt})
		line, err := json.Marshal(observation.Odometry{
			TimeUs: timeutil.MonotonicMicros(d.clock),
			Twist:  geom.Twist2{DX: step.X, DY: step.Y, DTheta: step.Theta},
		})
		if err != nil {
			continue
		}
		if _, err := d.w.Write(append(line, '\n')); err != nil {
			return
		}
	}
}

func (d *SimulatedDrive) Read(p []byte) (int, error) {
	return d.r.Read(p)
}

// Write accepts newline-terminated commands.
func (d *SimulatedDrive) Write(p []byte) (int, error) {
	select {
	case <-d.done:
		return 0, io.ErrClosedPipe
	default:
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cmd := range strings.Split(strings.TrimSpace(string(p)), "\n") {
		cmd = strings.ToUpper(strings.TrimSpace(cmd))
		if cmd == "" {
			continue
		}
		d.commands = append(d.commands, cmd)
		switch cmd {
		case "STREAM ON":
			d.streaming = true
		case "STREAM OFF":
			d.streaming = false
		}
	}
	return len(p), nil
}

func (d *SimulatedDrive) Close() error {
	d.once.Do(func() {
		close(d.done)
		d.w.CloseWithError(io.EOF)
	})
	return nil
}

// Commands returns the commands received so far.
func (d *SimulatedDrive) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (p DriveProfile) String() string {
	return fmt.Sprintf("%.2fm/s %.2frad/s every %v", p.Speed, p.TurnRate, p.Rate)
}
