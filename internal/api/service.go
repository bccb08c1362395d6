package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "signalcraft.correlator.v1.Correlator"

// Method names exposed by the correlator service.
const (
	MethodIngestAlert          = "IngestAlert"
	MethodGetGroupStats        = "GetGroupStats"
	MethodDetectAnomalies      = "DetectAnomalies"
	MethodAnalyzeCorrelations  = "AnalyzeCorrelations"
	MethodFindCorrelatedAlerts = "FindCorrelatedAlerts"
	MethodSuggestRootCause     = "SuggestRootCause"
	MethodCorrelatedByRules    = "CorrelatedByRules"
	MethodStoredCorrelations   = "StoredCorrelations"
	MethodHealthCheck          = "HealthCheck"
)

// CorrelatorServer is the server side of the correlator service. Requests and
// responses are JSON-shaped structpb messages; see handlers.go for their layout.
type CorrelatorServer interface {
	IngestAlert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetGroupStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DetectAnomalies(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	AnalyzeCorrelations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	FindCorrelatedAlerts(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SuggestRootCause(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CorrelatedByRules(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	StoredCorrelations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	HealthCheck(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv CorrelatorServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CorrelatorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(CorrelatorServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the correlator service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CorrelatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodIngestAlert, CorrelatorServer.IngestAlert),
		unaryMethod(MethodGetGroupStats, CorrelatorServer.GetGroupStats),
		unaryMethod(MethodDetectAnomalies, CorrelatorServer.DetectAnomalies),
		unaryMethod(MethodAnalyzeCorrelations, CorrelatorServer.AnalyzeCorrelations),
		unaryMethod(MethodFindCorrelatedAlerts, CorrelatorServer.FindCorrelatedAlerts),
		unaryMethod(MethodSuggestRootCause, CorrelatorServer.SuggestRootCause),
		unaryMethod(MethodCorrelatedByRules, CorrelatorServer.CorrelatedByRules),
		unaryMethod(MethodStoredCorrelations, CorrelatorServer.StoredCorrelations),
		unaryMethod(MethodHealthCheck, CorrelatorServer.HealthCheck),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "signalcraft/correlator/v1/correlator.proto",
}

// RegisterCorrelatorServer registers srv on s.
func RegisterCorrelatorServer(s grpc.ServiceRegistrar, srv CorrelatorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client is a thin client for the correlator service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with req and decodes the reply into out (which may be nil).
func (c *Client) Call(ctx context.Context, method string, req any, out any, opts ...grpc.CallOption) error {
	in, err := ToStruct(req)
	if err != nil {
		return err
	}
	reply := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, reply, opts...); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return FromStruct(reply, out)
}
