package hostrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// This file is handwritten rather than generated by protoc. It defines the
// internal gRPC contracts between the driver manager, the driver index, the
// component realm, driver hosts and drivers.

const (
	DriverIndexServiceName  = "nx.driver.DriverIndex"
	RealmServiceName        = "nx.component.Realm"
	DriverHostServiceName   = "nx.driver.DriverHost"
	DriverRunnerServiceName = "nx.driver.DriverRunner"
	NodeServiceName         = "nx.driver.Node"
)

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, method, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// methodHandler matches grpc.MethodDesc.Handler.
type methodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func unary[S, Req, Resp any](fullMethod string, call func(S, context.Context, *Req) (*Resp, error)) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(S), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(S), ctx, req.(*Req))
		})
	}
}

func unimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

// DriverIndex: driver manager (client) -> driver index (server).
type DriverIndexClient interface {
	MatchDriver(ctx context.Context, in *MatchDriverRequest, opts ...grpc.CallOption) (*MatchDriverResponse, error)
	AddDeviceGroup(ctx context.Context, in *AddDeviceGroupRequest, opts ...grpc.CallOption) (*AddDeviceGroupResponse, error)
}

type driverIndexClient struct{ cc grpc.ClientConnInterface }

func NewDriverIndexClient(cc grpc.ClientConnInterface) DriverIndexClient {
	return &driverIndexClient{cc}
}

func (c *driverIndexClient) MatchDriver(ctx context.Context, in *MatchDriverRequest, opts ...grpc.CallOption) (*MatchDriverResponse, error) {
	return invoke[MatchDriverResponse](ctx, c.cc, "/"+DriverIndexServiceName+"/MatchDriver", in, opts)
}

func (c *driverIndexClient) AddDeviceGroup(ctx context.Context, in *AddDeviceGroupRequest, opts ...grpc.CallOption) (*AddDeviceGroupResponse, error) {
	return invoke[AddDeviceGroupResponse](ctx, c.cc, "/"+DriverIndexServiceName+"/AddDeviceGroup", in, opts)
}

type DriverIndexServer interface {
	MatchDriver(context.Context, *MatchDriverRequest) (*MatchDriverResponse, error)
	AddDeviceGroup(context.Context, *AddDeviceGroupRequest) (*AddDeviceGroupResponse, error)
	mustEmbedUnimplementedDriverIndexServer()
}

type UnimplementedDriverIndexServer struct{}

func (UnimplementedDriverIndexServer) MatchDriver(context.Context, *MatchDriverRequest) (*MatchDriverResponse, error) {
	return nil, unimplemented("MatchDriver")
}
func (UnimplementedDriverIndexServer) AddDeviceGroup(context.Context, *AddDeviceGroupRequest) (*AddDeviceGroupResponse, error) {
	return nil, unimplemented("AddDeviceGroup")
}
func (UnimplementedDriverIndexServer) mustEmbedUnimplementedDriverIndexServer() {}

func RegisterDriverIndexServer(s grpc.ServiceRegistrar, srv DriverIndexServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: DriverIndexServiceName,
		HandlerType: (*DriverIndexServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "MatchDriver", Handler: unary("/"+DriverIndexServiceName+"/MatchDriver", DriverIndexServer.MatchDriver)},
			{MethodName: "AddDeviceGroup", Handler: unary("/"+DriverIndexServiceName+"/AddDeviceGroup", DriverIndexServer.AddDeviceGroup)},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "nx_internal.proto",
	}, srv)
}

// Realm: driver manager (client) -> component framework (server).
type RealmClient interface {
	CreateChild(ctx context.Context, in *CreateChildRequest, opts ...grpc.CallOption) (*Empty, error)
	OpenExposedDir(ctx context.Context, in *OpenExposedDirRequest, opts ...grpc.CallOption) (*OpenExposedDirResponse, error)
}

type realmClient struct{ cc grpc.ClientConnInterface }

func NewRealmClient(cc grpc.ClientConnInterface) RealmClient {
	return &realmClient{cc}
}

func (c *realmClient) CreateChild(ctx context.Context, in *CreateChildRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "/"+RealmServiceName+"/CreateChild", in, opts)
}

func (c *realmClient) OpenExposedDir(ctx context.Context, in *OpenExposedDirRequest, opts ...grpc.CallOption) (*OpenExposedDirResponse, error) {
	return invoke[OpenExposedDirResponse](ctx, c.cc, "/"+RealmServiceName+"/OpenExposedDir", in, opts)
}

type RealmServer interface {
	CreateChild(context.Context, *CreateChildRequest) (*Empty, error)
	OpenExposedDir(context.Context, *OpenExposedDirRequest) (*OpenExposedDirResponse, error)
	mustEmbedUnimplementedRealmServer()
}

type UnimplementedRealmServer struct{}

func (UnimplementedRealmServer) CreateChild(context.Context, *CreateChildRequest) (*Empty, error) {
	return nil, unimplemented("CreateChild")
}
func (UnimplementedRealmServer) OpenExposedDir(context.Context, *OpenExposedDirRequest) (*OpenExposedDirResponse, error) {
	return nil, unimplemented("OpenExposedDir")
}
func (UnimplementedRealmServer) mustEmbedUnimplementedRealmServer() {}

func RegisterRealmServer(s grpc.ServiceRegistrar, srv RealmServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: RealmServiceName,
		HandlerType: (*RealmServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "CreateChild", Handler: unary("/"+RealmServiceName+"/CreateChild", RealmServer.CreateChild)},
			{MethodName: "OpenExposedDir", Handler: unary("/"+RealmServiceName+"/OpenExposedDir", RealmServer.OpenExposedDir)},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "nx_internal.proto",
	}, srv)
}

// DriverHost: driver manager (client) -> driver host (server).
// AwaitStop is a long poll that returns when the driver exits.
type DriverHostClient interface {
	Start(ctx context.Context, in *StartDriverRequest, opts ...grpc.CallOption) (*StartDriverResponse, error)
	Stop(ctx context.Context, in *DriverRef, opts ...grpc.CallOption) (*Empty, error)
	AwaitStop(ctx context.Context, in *DriverRef, opts ...grpc.CallOption) (*AwaitStopResponse, error)
	GetProcessKoid(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*GetProcessKoidResponse, error)
	InstallLoader(ctx context.Context, in *InstallLoaderRequest, opts ...grpc.CallOption) (*Empty, error)
}

type driverHostClient struct{ cc grpc.ClientConnInterface }

func NewDriverHostClient(cc grpc.ClientConnInterface) DriverHostClient {
	return &driverHostClient{cc}
}

func (c *driverHostClient) Start(ctx context.Context, in *StartDriverRequest, opts ...grpc.CallOption) (*StartDriverResponse, error) {
	return invoke[StartDriverResponse](ctx, c.cc, "/"+DriverHostServiceName+"/Start", in, opts)
}

func (c *driverHostClient) Stop(ctx context.Context, in *DriverRef, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "/"+DriverHostServiceName+"/Stop", in, opts)
}

func (c *driverHostClient) AwaitStop(ctx context.Context, in *DriverRef, opts ...grpc.CallOption) (*AwaitStopResponse, error) {
	return invoke[AwaitStopResponse](ctx, c.cc, "/"+DriverHostServiceName+"/AwaitStop", in, opts)
}

func (c *driverHostClient) GetProcessKoid(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*GetProcessKoidResponse, error) {
	return invoke[GetProcessKoidResponse](ctx, c.cc, "/"+DriverHostServiceName+"/GetProcessKoid", in, opts)
}

func (c *driverHostClient) InstallLoader(ctx context.Context, in *InstallLoaderRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "/"+DriverHostServiceName+"/InstallLoader", in, opts)
}

type DriverHostServer interface {
	Start(context.Context, *StartDriverRequest) (*StartDriverResponse, error)
	Stop(context.Context, *DriverRef) (*Empty, error)
	AwaitStop(context.Context, *DriverRef) (*AwaitStopResponse, error)
	GetProcessKoid(context.Context, *Empty) (*GetProcessKoidResponse, error)
	InstallLoader(context.Context, *InstallLoaderRequest) (*Empty, error)
	mustEmbedUnimplementedDriverHostServer()
}

type UnimplementedDriverHostServer struct{}

func (UnimplementedDriverHostServer) Start(context.Context, *StartDriverRequest) (*StartDriverResponse, error) {
	return nil, unimplemented("Start")
}
func (UnimplementedDriverHostServer) Stop(context.Context, *DriverRef) (*Empty, error) {
	return nil, unimplemented("Stop")
}
func (UnimplementedDriverHostServer) AwaitStop(context.Context, *DriverRef) (*AwaitStopResponse, error) {
	return nil, unimplemented("AwaitStop")
}
func (UnimplementedDriverHostServer) GetProcessKoid(context.Context, *Empty) (*GetProcessKoidResponse, error) {
	return nil, unimplemented("GetProcessKoid")
}
func (UnimplementedDriverHostServer) InstallLoader(context.Context, *InstallLoaderRequest) (*Empty, error) {
	return nil, unimplemented("InstallLoader")
}
func (UnimplementedDriverHostServer) mustEmbedUnimplementedDriverHostServer() {}

func RegisterDriverHostServer(s grpc.ServiceRegistrar, srv DriverHostServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: DriverHostServiceName,
		HandlerType: (*DriverHostServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Start", Handler: unary("/"+DriverHostServiceName+"/Start", DriverHostServer.Start)},
			{MethodName: "Stop", Handler: unary("/"+DriverHostServiceName+"/Stop", DriverHostServer.Stop)},
			{MethodName: "AwaitStop", Handler: unary("/"+DriverHostServiceName+"/AwaitStop", DriverHostServer.AwaitStop)},
			{MethodName: "GetProcessKoid", Handler: unary("/"+DriverHostServiceName+"/GetProcessKoid", DriverHostServer.GetProcessKoid)},
			{MethodName: "InstallLoader", Handler: unary("/"+DriverHostServiceName+"/InstallLoader", DriverHostServer.InstallLoader)},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "nx_internal.proto",
	}, srv)
}

// DriverRunner: component framework (client) -> driver manager (server),
// called when a driver component created by the manager starts.
type DriverRunnerClient interface {
	Start(ctx context.Context, in *RunnerStartRequest, opts ...grpc.CallOption) (*Empty, error)
}

type driverRunnerClient struct{ cc grpc.ClientConnInterface }

func NewDriverRunnerClient(cc grpc.ClientConnInterface) DriverRunnerClient {
	return &driverRunnerClient{cc}
}

func (c *driverRunnerClient) Start(ctx context.Context, in *RunnerStartRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "/"+DriverRunnerServiceName+"/Start", in, opts)
}

type DriverRunnerServer interface {
	Start(context.Context, *RunnerStartRequest) (*Empty, error)
	mustEmbedUnimplementedDriverRunnerServer()
}

type UnimplementedDriverRunnerServer struct{}

func (UnimplementedDriverRunnerServer) Start(context.Context, *RunnerStartRequest) (*Empty, error) {
	return nil, unimplemented("Start")
}
func (UnimplementedDriverRunnerServer) mustEmbedUnimplementedDriverRunnerServer() {}

func RegisterDriverRunnerServer(s grpc.ServiceRegistrar, srv DriverRunnerServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: DriverRunnerServiceName,
		HandlerType: (*DriverRunnerServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Start", Handler: unary("/"+DriverRunnerServiceName+"/Start", DriverRunnerServer.Start)},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "nx_internal.proto",
	}, srv)
}

// Node: drivers (client) -> driver manager (server), to publish and remove
// child nodes of the node they are bound to.
type NodeClient interface {
	AddChild(ctx context.Context, in *AddChildRequest, opts ...grpc.CallOption) (*AddChildResponse, error)
	Remove(ctx context.Context, in *NodeRef, opts ...grpc.CallOption) (*Empty, error)
}

type nodeClient struct{ cc grpc.ClientConnInterface }

func NewNodeClient(cc grpc.ClientConnInterface) NodeClient {
	return &nodeClient{cc}
}

func (c *nodeClient) AddChild(ctx context.Context, in *AddChildRequest, opts ...grpc.CallOption) (*AddChildResponse, error) {
	return invoke[AddChildResponse](ctx, c.cc, "/"+NodeServiceName+"/AddChild", in, opts)
}

func (c *nodeClient) Remove(ctx context.Context, in *NodeRef, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "/"+NodeServiceName+"/Remove", in, opts)
}

type NodeServer interface {
	AddChild(context.Context, *AddChildRequest) (*AddChildResponse, error)
	Remove(context.Context, *NodeRef) (*Empty, error)
	mustEmbedUnimplementedNodeServer()
}

type UnimplementedNodeServer struct{}

func (UnimplementedNodeServer) AddChild(context.Context, *AddChildRequest) (*AddChildResponse, error) {
	return nil, unimplemented("AddChild")
}
func (UnimplementedNodeServer) Remove(context.Context, *NodeRef) (*Empty, error) {
	return nil, unimplemented("Remove")
}
func (UnimplementedNodeServer) mustEmbedUnimplementedNodeServer() {}

func RegisterNodeServer(s grpc.ServiceRegistrar, srv NodeServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: NodeServiceName,
		HandlerType: (*NodeServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "AddChild", Handler: unary("/"+NodeServiceName+"/AddChild", NodeServer.AddChild)},
			{MethodName: "Remove", Handler: unary("/"+NodeServiceName+"/Remove", NodeServer.Remove)},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "nx_internal.proto",
	}, srv)
}
