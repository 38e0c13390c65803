package grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/safety"
)

const ServiceName = "safetybus.v1.SafetyService"

// SafetyServiceServer is implemented by *Server. Scanner gateways and sensor
// boxes call it with the json content subtype.
type SafetyServiceServer interface {
	SubmitScan(ctx context.Context, req *safety.ScanRequest) (*safety.ScanResult, error)
	AdvanceLeg(ctx context.Context, req *safety.LegRequest) (*safety.LegResult, error)
	RaiseEmergency(ctx context.Context, req *safety.RaiseRequest) (*safety.RaiseResult, error)
	RespondToIncident(ctx context.Context, req *safety.ResponseRequest) (*safety.ResponseResult, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SafetyServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitScan", SafetyServiceServer.SubmitScan),
		unary("AdvanceLeg", SafetyServiceServer.AdvanceLeg),
		unary("RaiseEmergency", SafetyServiceServer.RaiseEmergency),
		unary("RespondToIncident", SafetyServiceServer.RespondToIncident),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "safetybus/v1/safety.json",
}

func RegisterSafetyServiceServer(s grpc.ServiceRegistrar, srv SafetyServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Res any](name string, call func(SafetyServiceServer, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SafetyServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(SafetyServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// SafetyServiceClient calls the service over a connection, forcing the
// json codec.
type SafetyServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewSafetyServiceClient(cc grpc.ClientConnInterface) *SafetyServiceClient {
	return &SafetyServiceClient{cc: cc}
}

func (c *SafetyServiceClient) SubmitScan(ctx context.Context, req *safety.ScanRequest, opts ...grpc.CallOption) (*safety.ScanResult, error) {
	out := new(safety.ScanResult)
	return out, c.invoke(ctx, "SubmitScan", req, out, opts)
}

func (c *SafetyServiceClient) AdvanceLeg(ctx context.Context, req *safety.LegRequest, opts ...grpc.CallOption) (*safety.LegResult, error) {
	out := new(safety.LegResult)
	return out, c.invoke(ctx, "AdvanceLeg", req, out, opts)
}

func (c *SafetyServiceClient) RaiseEmergency(ctx context.Context, req *safety.RaiseRequest, opts ...grpc.CallOption) (*safety.RaiseResult, error) {
	out := new(safety.RaiseResult)
	return out, c.invoke(ctx, "RaiseEmergency", req, out, opts)
}

func (c *SafetyServiceClient) RespondToIncident(ctx context.Context, req *safety.ResponseRequest, opts ...grpc.CallOption) (*safety.ResponseResult, error) {
	out := new(safety.ResponseResult)
	return out, c.invoke(ctx, "RespondToIncident", req, out, opts)
}

func (c *SafetyServiceClient) invoke(ctx context.Context, method string, in, out interface{}, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}
