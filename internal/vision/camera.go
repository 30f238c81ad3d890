package vision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/taglocalizer/internal/geom"
	"github.com/banshee-data/taglocalizer/internal/monitoring"
	"github.com/banshee-data/taglocalizer/internal/observation"
	"github.com/banshee-data/taglocalizer/internal/timeutil"
)

// MaxBuffered bounds the frames held between polls. The oldest frame is
// dropped when a camera outruns the loop.
const MaxBuffered = 512

var (
	framesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taglocalizer",
		Subsystem: "vision",
		Name:      "frames_total",
		Help:      "Detection frames accepted per camera",
	}, []string{"camera"})
	malformedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taglocalizer",
		Subsystem: "vision",
		Name:      "malformed_packets_total",
		Help:      "Datagrams that failed to parse per camera",
	}, []string{"camera"})
)

func init() {
	prometheus.MustRegister(framesTotal, malformedTotal)
}

// CameraStats counts what one camera has delivered since start.
type CameraStats struct {
	Name      string    `json:"name"`
	Frames    uint64    `json:"frames"`
	Empty     uint64    `json:"empty"`
	Malformed uint64    `json:"malformed"`
	Backwards uint64    `json:"backwards"`
	Overflow  uint64    `json:"overflow"`
	Buffered  int       `json:"buffered"`
	LastFrame time.Time `json:"last_frame"`
	Ready     bool      `json:"ready"`
}

// CameraConfig describes one camera pipeline.
type CameraConfig struct {
	Name          string
	Address       string
	RcvBuf        int
	RobotToCamera geom.Pose2
	DefaultNoise  geom.Noise
	// ReadyTimeout is how recently a frame must have arrived for the camera
	// to gate the fusion loop open.
	ReadyTimeout  time.Duration
	Clock         timeutil.Clock
	SocketFactory UDPSocketFactory
}

// CameraListener receives detection packets for one camera and converts
// them to robot-frame tag measurements.
type CameraListener struct {
	cfg CameraConfig

	connMu sync.RWMutex
	conn   UDPSocket

	mu        sync.Mutex
	pending   []observation.Vision
	lastUs    uint64
	lastFrame time.Time
	stats     CameraStats
}

// NewCameraListener applies defaults to cfg. The socket is opened by Start.
func NewCameraListener(cfg CameraConfig) *CameraListener {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.SocketFactory == nil {
		cfg.SocketFactory = RealUDPSocketFactory{}
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 500 * time.Millisecond
	}
	return &CameraListener{cfg: cfg, stats: CameraStats{Name: cfg.Name}}
}

func (c *CameraListener) Name() string { return c.cfg.Name }

// ReadyToOptimize reports whether a frame arrived within the ready timeout.
// It does not consume anything.
func (c *CameraListener) ReadyToOptimize() bool {
	c.mu.Lock()
	last := c.lastFrame
	c.mu.Unlock()
	if last.IsZero() {
		return false
	}
	return c.cfg.Clock.Since(last) <= c.cfg.ReadyTimeout
}

// Poll returns and clears the frames received since the previous call.
func (c *CameraListener) Poll() []observation.Vision {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// Stats returns a copy of the counters.
func (c *CameraListener) Stats() CameraStats {
	c.mu.Lock()
	s := c.stats
	s.Buffered = len(c.pending)
	s.LastFrame = c.lastFrame
	c.mu.Unlock()
	s.Ready = c.ReadyToOptimize()
	return s
}

// Start listens on the configured address and handles datagrams until ctx
// is done or the socket is closed.
func (c *CameraListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", c.cfg.Address)
	if err != nil {
		return fmt.Errorf("camera %s: failed to resolve UDP address: %w", c.cfg.Name, err)
	}
	conn, err := c.cfg.SocketFactory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("camera %s: failed to listen on UDP address: %w", c.cfg.Name, err)
	}
	c.setConn(conn)
	defer conn.Close()

	if c.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(c.cfg.RcvBuf); err != nil {
			log.Printf("[Vision] %s: failed to set receive buffer to %d: %v", c.cfg.Name, c.cfg.RcvBuf, err)
		}
	}
	log.Printf("[Vision] camera %s listening on %s", c.cfg.Name, conn.LocalAddr())

	buffer := make([]byte, MaxPacketSize+1)
	var deadlineErrLogged bool
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil && !deadlineErrLogged {
			log.Printf("[Vision] %s: failed to set read deadline: %v", c.cfg.Name, err)
			deadlineErrLogged = true
		}

		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("[Vision] %s: UDP read error: %v", c.cfg.Name, err)
			continue
		}
		if err := c.HandlePacket(buffer[:n]); err != nil {
			monitoring.Logf("[Vision] %s: packet from %v: %v", c.cfg.Name, from, err)
		}
	}
}

// HandlePacket parses one datagram and buffers the resulting frame. A
// frame with no detections still counts as a heartbeat.
func (c *CameraListener) HandlePacket(data []byte) error {
	pkt, err := ParsePacket(data)
	if err != nil {
		malformedTotal.WithLabelValues(c.cfg.Name).Inc()
		c.mu.Lock()
		c.stats.Malformed++
		c.mu.Unlock()
		return err
	}
	if pkt.Camera != "" && pkt.Camera != c.cfg.Name {
		monitoring.Debugf("[Vision] %s: packet labelled %q", c.cfg.Name, pkt.Camera)
	}

	frame := observation.Vision{
		TimeUs: pkt.TimeUs,
		Camera: c.cfg.Name,
		Tags:   make([]observation.TagMeasurement, 0, len(pkt.Detections)),
	}
	for _, d := range pkt.Detections {
		noise := c.cfg.DefaultNoise
		if d.Noise != nil && d.Noise.Valid() {
			noise = *d.Noise
		}
		frame.Tags = append(frame.Tags, observation.TagMeasurement{
			ID:         d.ID,
			RobotToTag: c.cfg.RobotToCamera.Compose(d.CameraToTag),
			Noise:      noise,
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFrame = c.cfg.Clock.Now()
	if pkt.TimeUs < c.lastUs {
		c.stats.Backwards++
		return fmt.Errorf("frame at t=%dus is older than t=%dus", pkt.TimeUs, c.lastUs)
	}
	c.lastUs = pkt.TimeUs
	c.stats.Frames++
	framesTotal.WithLabelValues(c.cfg.Name).Inc()
	if len(frame.Tags) == 0 {
		c.stats.Empty++
		return nil
	}
	if len(c.pending) >= MaxBuffered {
		c.pending = append(c.pending[:0], c.pending[1:]...)
		c.stats.Overflow++
	}
	c.pending = append(c.pending, frame)
	return nil
}

// LocalAddr is the bound socket address, or nil before Start.
func (c *CameraListener) LocalAddr() net.Addr {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

func (c *CameraListener) setConn(conn UDPSocket) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = conn
}

// Close closes the socket, which ends Start.
func (c *CameraListener) Close() error {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
