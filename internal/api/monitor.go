package api

import (
	"context"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/fraud-monitor/internal/models"
	"github.com/miradorstack/fraud-monitor/internal/store"
)

const (
	monitorServiceName    = "fraudmonitor.v1.Monitor"
	getSnapshotMethod     = "/" + monitorServiceName + "/GetSnapshot"
	watchSnapshotsMethod  = "/" + monitorServiceName + "/WatchSnapshots"
	watchSnapshotsStream  = "WatchSnapshots"
	monitorServiceSources = "fraudmonitor/v1/monitor.proto"
)

// ViewReader is the read side of the snapshot store. SubscribeCurrent must
// deliver the live view and every later write to fn in write order.
type ViewReader interface {
	Current() models.View
	SubscribeCurrent(fn store.Listener) (unsubscribe func())
}

// MonitorServer is the server API for the fraudmonitor.v1.Monitor service.
type MonitorServer interface {
	GetSnapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	WatchSnapshots(*emptypb.Empty, MonitorWatchSnapshotsServer) error
}

// MonitorWatchSnapshotsServer is the server side of the WatchSnapshots stream.
type MonitorWatchSnapshotsServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

// MonitorServiceDesc describes the Monitor service for grpc.Server.
var MonitorServiceDesc = grpc.ServiceDesc{
	ServiceName: monitorServiceName,
	HandlerType: (*MonitorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSnapshot", Handler: getSnapshotHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: watchSnapshotsStream, Handler: watchSnapshotsHandler, ServerStreams: true},
	},
	Metadata: monitorServiceSources,
}

// RegisterMonitorServer attaches srv to a grpc.ServiceRegistrar.
func RegisterMonitorServer(r grpc.ServiceRegistrar, srv MonitorServer) {
	r.RegisterService(&MonitorServiceDesc, srv)
}

func getSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MonitorServer).GetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getSnapshotMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MonitorServer).GetSnapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func watchSnapshotsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MonitorServer).WatchSnapshots(in, &watchSnapshotsServer{stream})
}

type watchSnapshotsServer struct {
	grpc.ServerStream
}

func (w *watchSnapshotsServer) Send(m *structpb.Struct) error {
	return w.ServerStream.SendMsg(m)
}

// Monitor serves the current view to gRPC clients.
type Monitor struct {
	logger *slog.Logger
	views  ViewReader

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMonitor wires the service to the store.
func NewMonitor(logger *slog.Logger, views ViewReader) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{logger: logger, views: views, closed: make(chan struct{})}
}

// Close ends every open watch stream so a graceful stop can drain.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
}

// GetSnapshot returns the live view.
func (m *Monitor) GetSnapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if m.views == nil {
		return nil, status.Error(codes.Unavailable, "snapshot store not configured")
	}
	msg, err := ViewToStruct(m.views.Current())
	if err != nil {
		m.logger.Error("encode snapshot", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "encode snapshot")
	}
	return msg, nil
}

// WatchSnapshots sends the live view and then every later one until the
// client goes away or the monitor is closed. Slow clients skip intermediate
// views.
func (m *Monitor) WatchSnapshots(_ *emptypb.Empty, stream MonitorWatchSnapshotsServer) error {
	if m.views == nil {
		return status.Error(codes.Unavailable, "snapshot store not configured")
	}

	pending := store.NewLatest()
	unsubscribe := m.views.SubscribeCurrent(pending.Notify)
	defer unsubscribe()

	ctx := stream.Context()
	var (
		last models.View
		sent bool
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.closed:
			return status.Error(codes.Unavailable, "server shutting down")
		case <-pending.Ready():
		}

		view, ok := pending.Take()
		if !ok || (sent && sameView(last, view)) {
			continue
		}
		msg, err := ViewToStruct(view)
		if err != nil {
			m.logger.Error("encode snapshot", slog.Any("error", err))
			return status.Error(codes.Internal, "encode snapshot")
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
		last, sent = view, true
	}
}

func sameView(a, b models.View) bool {
	return a.State == b.State && a.Cycle == b.Cycle && a.UpdatedAt.Equal(b.UpdatedAt)
}

// MonitorClient is a thin client for the Monitor service.
type MonitorClient struct {
	cc grpc.ClientConnInterface
}

// NewMonitorClient wraps an established connection.
func NewMonitorClient(cc grpc.ClientConnInterface) *MonitorClient {
	return &MonitorClient{cc: cc}
}

// GetSnapshot fetches the live view.
func (c *MonitorClient) GetSnapshot(ctx context.Context, opts ...grpc.CallOption) (models.View, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getSnapshotMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return models.View{}, err
	}
	return StructToView(out)
}

// WatchSnapshots calls fn for each streamed view until ctx ends, the server
// closes the stream, or fn returns an error.
func (c *MonitorClient) WatchSnapshots(ctx context.Context, fn func(models.View) error, opts ...grpc.CallOption) error {
	stream, err := c.cc.NewStream(ctx, &MonitorServiceDesc.Streams[0], watchSnapshotsMethod, opts...)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			return err
		}
		view, err := StructToView(msg)
		if err != nil {
			return err
		}
		if err := fn(view); err != nil {
			return err
		}
	}
}
