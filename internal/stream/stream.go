// Package stream serves live pose estimates over a gRPC server stream.
//
// The service is registered by hand rather than from generated code: the
// request is google.protobuf.Empty and each message is a
// google.protobuf.Struct, so any gRPC client can decode it without our
// schema.
package stream

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/taglocalizer/internal/observation"
)

const (
	ServiceName = "taglocalizer.PoseStream"
	streamName  = "StreamPoses"
	// FullMethod is the method path clients invoke.
	FullMethod = "/" + ServiceName + "/" + streamName

	clientBuffer = 16
)

var droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "taglocalizer",
	Subsystem: "stream",
	Name:      "dropped_messages_total",
	Help:      "Pose messages not delivered because a client was too slow",
})

func init() {
	prometheus.MustRegister(droppedTotal)
}

// PoseStreamServer is the service implementation type.
type PoseStreamServer interface {
	StreamPoses(req *emptypb.Empty, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PoseStreamServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    streamName,
		Handler:       streamPosesHandler,
		ServerStreams: true,
	}},
	Metadata: "taglocalizer/pose_stream.proto",
}

func streamPosesHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(PoseStreamServer).StreamPoses(req, stream)
}

// Stats reports broadcaster activity.
type Stats struct {
	Clients   int32  `json:"clients"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

type client struct {
	id string
	ch chan *structpb.Struct
}

// Broadcaster is a publish sink that forwards every snapshot to each
// connected stream client. A client whose buffer is full misses messages
// instead of slowing the fusion loop.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*client
	latest  *structpb.Struct

	published atomic.Uint64
	dropped   atomic.Uint64
	count     atomic.Int32

	server *grpc.Server
	wg     sync.WaitGroup
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*client)}
}

func (b *Broadcaster) Name() string { return "grpc-stream" }

// Write converts snap and queues it for every client.
func (b *Broadcaster) Write(snap observation.Snapshot) error {
	msg, err := SnapshotToStruct(snap)
	if err != nil {
		return err
	}
	b.published.Add(1)

	b.mu.Lock()
	b.latest = msg
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		select {
		case c.ch <- msg:
		default:
			b.dropped.Add(1)
			droppedTotal.Inc()
		}
	}
	return nil
}

// Flush is a no-op; messages are sent as they are written.
func (b *Broadcaster) Flush() error { return nil }

// StreamPoses sends the latest estimate immediately, then every new one
// until the client goes away.
func (b *Broadcaster) StreamPoses(_ *emptypb.Empty, stream grpc.ServerStream) error {
	c := b.addClient()
	defer b.removeClient(c.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-c.ch:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func (b *Broadcaster) addClient() *client {
	c := &client{id: uuid.NewString(), ch: make(chan *structpb.Struct, clientBuffer)}
	b.mu.Lock()
	if b.latest != nil {
		c.ch <- b.latest
	}
	b.clients[c.id] = c
	b.mu.Unlock()
	n := b.count.Add(1)
	log.Printf("[Stream] client %s connected (total: %d)", c.id, n)
	return c
}

func (b *Broadcaster) removeClient(id string) {
	b.mu.Lock()
	_, ok := b.clients[id]
	delete(b.clients, id)
	b.mu.Unlock()
	if ok {
		n := b.count.Add(-1)
		log.Printf("[Stream] client %s disconnected (remaining: %d)", id, n)
	}
}

// Stats returns the current counters.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Clients:   b.count.Load(),
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Register adds the pose stream service to s.
func (b *Broadcaster) Register(s *grpc.Server) {
	s.RegisterService(&serviceDesc, b)
}

// Serve runs a gRPC server on lis until Stop. It returns once the server
// is accepting.
func (b *Broadcaster) Serve(lis net.Listener, opts ...grpc.ServerOption) {
	b.server = grpc.NewServer(opts...)
	b.Register(b.server)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		log.Printf("[Stream] gRPC pose stream listening on %s", lis.Addr())
		if err := b.server.Serve(lis); err != nil {
			log.Printf("[Stream] gRPC server error: %v", err)
		}
	}()
}

// Stop ends every stream and waits for the server to exit.
func (b *Broadcaster) Stop() {
	if b.server == nil {
		return
	}
	b.server.Stop()
	b.wg.Wait()
	log.Printf("[Stream] gRPC server stopped")
}

// SnapshotToStruct encodes snap as a protobuf Struct.
func SnapshotToStruct(snap observation.Snapshot) (*structpb.Struct, error) {
	cov := make([]interface{}, len(snap.Covariance))
	for i, v := range snap.Covariance {
		cov[i] = v
	}
	sigma := snap.Sigma()
	msg, err := structpb.NewStruct(map[string]interface{}{
		"time_us":           float64(snap.TimeUs),
		"x":                 snap.Pose.X,
		"y":                 snap.Pose.Y,
		"theta":             snap.Pose.Theta,
		"sigma_x":           sigma.X,
		"sigma_y":           sigma.Y,
		"sigma_theta":       sigma.Theta,
		"covariance":        cov,
		"odometry_count":    snap.OdometryCount,
		"vision_count":      snap.VisionCount,
		"tag_updates":       snap.TagUpdates,
		"rejected_tags":     snap.RejectedTags,
		"unknown_tags":      snap.UnknownTags,
		"layout_generation": float64(snap.LayoutGeneration),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot at t=%dus: %w", snap.TimeUs, err)
	}
	return msg, nil
}

// Subscribe opens a pose stream on conn. recv blocks for the next message
// and returns io.EOF when the server ends the stream.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface) (recv func() (*structpb.Struct, error), err error) {
	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], FullMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return func() (*structpb.Struct, error) {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			return nil, err
		}
		return msg, nil
	}, nil
}
