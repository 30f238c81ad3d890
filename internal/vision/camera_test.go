package vision

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/taglocalizer/internal/geom"
	"github.com/banshee-data/taglocalizer/internal/monitoring"
	"github.com/banshee-data/taglocalizer/internal/timeutil"
)

var (
	t0          = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testNoise   = geom.Noise{X: 0.1, Y: 0.1, Theta: 0.05}
	frontMount  = geom.Pose2{X: 0.25}
	rearMount   = geom.Pose2{X: -0.25, Theta: math.Pi}
	frontPacket = DetectionPacket{
		Camera: "front",
		TimeUs: 1000,
		Detections: []Detection{
			{ID: 3, CameraToTag: geom.Pose2{X: 2, Y: 0.5}},
		},
	}
)

func encode(t *testing.T, pkt DetectionPacket) []byte {
	t.Helper()
	data, err := EncodePacket(pkt)
	require.NoError(t, err)
	return data
}

func newTestCamera(clock *timeutil.MockClock, mount geom.Pose2, factory UDPSocketFactory) *CameraListener {
	return NewCameraListener(CameraConfig{
		Name:          "front",
		Address:       "127.0.0.1:0",
		RobotToCamera: mount,
		DefaultNoise:  testNoise,
		ReadyTimeout:  200 * time.Millisecond,
		Clock:         clock,
		SocketFactory: factory,
	})
}

func TestCameraListener_AppliesExtrinsic(t *testing.T) {
	clock := timeutil.NewMockClock(t0)

	front := newTestCamera(clock, frontMount, nil)
	require.NoError(t, front.HandlePacket(encode(t, frontPacket)))
	frames := front.Poll()
	require.Len(t, frames, 1)
	assert.Equal(t, "front", frames[0].Camera)
	assert.Equal(t, uint64(1000), frames[0].TimeUs)
	tag := frames[0].Tags[0]
	assert.Equal(t, 3, tag.ID)
	assert.InDelta(t, 2.25, tag.RobotToTag.X, 1e-9)
	assert.InDelta(t, 0.5, tag.RobotToTag.Y, 1e-9)
	assert.Equal(t, testNoise, tag.Noise)

	rear := newTestCamera(clock, rearMount, nil)
	require.NoError(t, rear.HandlePacket(encode(t, frontPacket)))
	tag = rear.Poll()[0].Tags[0]
	assert.InDelta(t, -2.25, tag.RobotToTag.X, 1e-9)
	assert.InDelta(t, -0.5, tag.RobotToTag.Y, 1e-9)
	assert.InDelta(t, math.Pi, math.Abs(tag.RobotToTag.Theta), 1e-9)
}

func TestCameraListener_PacketNoiseOverridesDefault(t *testing.T) {
	cam := newTestCamera(timeutil.NewMockClock(t0), frontMount, nil)
	own := geom.Noise{X: 0.3, Y: 0.3, Theta: 0.3}
	pkt := frontPacket
	pkt.Detections = []Detection{{ID: 1, CameraToTag: geom.Pose2{X: 1}, Noise: &own}}
	require.NoError(t, cam.HandlePacket(encode(t, pkt)))
	assert.Equal(t, own, cam.Poll()[0].Tags[0].Noise)
}

func TestCameraListener_ReadinessFollowsHeartbeat(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	cam := newTestCamera(clock, frontMount, nil)
	assert.False(t, cam.ReadyToOptimize(), "no frame yet")

	empty := DetectionPacket{Camera: "front", TimeUs: 10}
	require.NoError(t, cam.HandlePacket(encode(t, empty)))
	assert.True(t, cam.ReadyToOptimize(), "an empty frame is still a heartbeat")
	assert.Empty(t, cam.Poll(), "empty frames carry nothing to fuse")

	clock.Advance(200 * time.Millisecond)
	assert.True(t, cam.ReadyToOptimize())
	clock.Advance(time.Millisecond)
	assert.False(t, cam.ReadyToOptimize())

	// readiness is side-effect free
	require.NoError(t, cam.HandlePacket(encode(t, frontPacket)))
	for i := 0; i < 3; i++ {
		assert.True(t, cam.ReadyToOptimize())
	}
	assert.Len(t, cam.Poll(), 1)
}

func TestCameraListener_RejectsBadPackets(t *testing.T) {
	monitoring.SetLogger(nil)
	cam := newTestCamera(timeutil.NewMockClock(t0), frontMount, nil)

	assert.Error(t, cam.HandlePacket([]byte(`{"camera":"front"`)))
	assert.Error(t, cam.HandlePacket([]byte(`{"camera":"front","detections":[]}`)))
	assert.Error(t, cam.HandlePacket([]byte(`{"camera":"front","time_us":5,"detections":[{"id":1,"camera_to_tag":{"x":1e400}}]}`)))

	require.NoError(t, cam.HandlePacket(encode(t, frontPacket)))
	older := frontPacket
	older.TimeUs = 999
	assert.Error(t, cam.HandlePacket(encode(t, older)))

	s := cam.Stats()
	assert.Equal(t, uint64(3), s.Malformed)
	assert.Equal(t, uint64(1), s.Backwards)
	assert.Equal(t, uint64(1), s.Frames)
	assert.Equal(t, 1, s.Buffered)
	assert.True(t, s.Ready)
}

func TestCameraListener_BufferIsBounded(t *testing.T) {
	cam := newTestCamera(timeutil.NewMockClock(t0), frontMount, nil)
	for i := 1; i <= MaxBuffered+10; i++ {
		pkt := frontPacket
		pkt.TimeUs = uint64(i)
		require.NoError(t, cam.HandlePacket(encode(t, pkt)))
	}
	frames := cam.Poll()
	require.Len(t, frames, MaxBuffered)
	assert.Equal(t, uint64(11), frames[0].TimeUs, "oldest frames go first")
	assert.Equal(t, uint64(10), cam.Stats().Overflow)
}

func TestCameraListener_StartReadsSocket(t *testing.T) {
	socket := &mockSocket{}
	factory := &mockFactory{socket: socket}
	clock := timeutil.NewMockClock(t0)
	cam := NewCameraListener(CameraConfig{
		Name:          "front",
		Address:       "127.0.0.1:5800",
		RcvBuf:        1 << 20,
		RobotToCamera: frontMount,
		DefaultNoise:  testNoise,
		Clock:         clock,
		SocketFactory: factory,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cam.Start(ctx) }()

	socket.push([]byte("garbage"))
	socket.push(encode(t, frontPacket))

	require.Eventually(t, func() bool { return cam.Stats().Buffered == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	require.Len(t, factory.addrs, 1)
	assert.Equal(t, 5800, factory.addrs[0].Port)
	socket.mu.Lock()
	assert.Equal(t, 1<<20, socket.rcvBuf)
	assert.True(t, socket.closed)
	socket.mu.Unlock()
	assert.Equal(t, uint64(1), cam.Stats().Malformed)
}

func TestCameraListener_StartListenError(t *testing.T) {
	cam := newTestCamera(timeutil.NewMockClock(t0), frontMount, &mockFactory{err: errors.New("address in use")})
	err := cam.Start(context.Background())
	assert.ErrorContains(t, err, "address in use")
}

func TestCameraListener_CloseEndsStart(t *testing.T) {
	socket := &mockSocket{}
	cam := newTestCamera(timeutil.NewMockClock(t0), frontMount, &mockFactory{socket: socket})

	done := make(chan error, 1)
	go func() { done <- cam.Start(context.Background()) }()
	require.Eventually(t, func() bool { return cam.LocalAddr() != nil }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, cam.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Close")
	}
}
