package metricspb

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// jsonCodec implements grpc/encoding.Codec. This service has no .proto IDL
// to generate stubs from, so requests and replies are framed as JSON
// instead of protobuf. It reports the "proto" name so peers see the usual
// content-subtype, but it is not put in the global codec registry: only
// connections built with ServerCodec or ClientCodec use it, and every other
// gRPC connection in the process keeps the protobuf codec.
type jsonCodec struct{}

var _ encoding.Codec = jsonCodec{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "proto" }

// ServerCodec returns the grpc.ServerOption that makes a *grpc.Server speak
// this service's JSON wire framing.
func ServerCodec() grpc.ServerOption {
	return grpc.ForceServerCodec(jsonCodec{})
}

// ClientCodec returns the dial option that makes a client conn speak this
// service's JSON wire framing.
func ClientCodec() grpc.DialOption {
	return grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}))
}

// MetricsServiceServer is implemented by anything that can accept a
// SendMetrics call. internal/receiver.Receiver implements this.
type MetricsServiceServer interface {
	SendMetrics(ctx context.Context, req *MetricsRequest) (*MetricsReply, error)
}

const ServiceName = "goodmetrics.Metrics"

func sendMetricsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(MetricsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler, ok := srv.(MetricsServiceServer)
	if !ok {
		return nil, fmt.Errorf("metricspb: server does not implement MetricsServiceServer")
	}
	if interceptor == nil {
		return handler.SendMetrics(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/SendMetrics"}
	wrapped := func(c context.Context, req any) (any, error) {
		return handler.SendMetrics(c, req.(*MetricsRequest))
	}
	return interceptor(ctx, in, info, wrapped)
}

// ServiceDesc is the hand-authored equivalent of what protoc-gen-go-grpc
// would emit for a one-method "Metrics" service with a single unary
// "SendMetrics" RPC.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MetricsServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SendMetrics",
			Handler:    sendMetricsHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "goodmetrics.proto",
}

// RegisterMetricsServiceServer wires srv onto s the way generated code
// would via a grpc.ServiceDesc.
func RegisterMetricsServiceServer(s grpc.ServiceRegistrar, srv MetricsServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// MetricsServiceClient calls the SendMetrics RPC.
type MetricsServiceClient interface {
	SendMetrics(ctx context.Context, req *MetricsRequest, opts ...grpc.CallOption) (*MetricsReply, error)
}

type metricsServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewMetricsServiceClient returns a client bound to cc.
func NewMetricsServiceClient(cc grpc.ClientConnInterface) MetricsServiceClient {
	return &metricsServiceClient{cc: cc}
}

func (c *metricsServiceClient) SendMetrics(ctx context.Context, req *MetricsRequest, opts ...grpc.CallOption) (*MetricsReply, error) {
	out := new(MetricsReply)
	err := c.cc.Invoke(ctx, "/"+ServiceName+"/SendMetrics", req, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}
