package hostrpc

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func serve(t *testing.T, register func(*grpc.Server), opts ...grpc.ServerOption) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(opts...)
	register(s)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type testHost struct {
	UnimplementedDriverHostServer
	got *StartDriverRequest
}

func (h *testHost) Start(_ context.Context, req *StartDriverRequest) (*StartDriverResponse, error) {
	h.got = req
	return &StartDriverResponse{DriverID: "drv-" + req.NodeName}, nil
}

func (h *testHost) GetProcessKoid(context.Context, *Empty) (*GetProcessKoidResponse, error) {
	return &GetProcessKoidResponse{Koid: 4242}, nil
}

func TestDriverHostRoundTrip(t *testing.T) {
	host := &testHost{}
	conn := serve(t, func(s *grpc.Server) { RegisterDriverHostServer(s, host) })
	c := NewDriverHostClient(conn)
	ctx := context.Background()

	resp, err := c.Start(ctx, &StartDriverRequest{
		NodeID:   7,
		NodeName: "uart",
		URL:      "boot://uart#meta/uart.cm",
		Symbols:  []Symbol{{Name: "uart-ops", Address: 0x1000}},
		Program:  json.RawMessage(`{"binary":"driver/uart.so","colocate":"true"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "drv-uart", resp.DriverID)

	require.NotNil(t, host.got)
	assert.Equal(t, uint64(7), host.got.NodeID)
	assert.Equal(t, []Symbol{{Name: "uart-ops", Address: 0x1000}}, host.got.Symbols)
	assert.JSONEq(t, `{"binary":"driver/uart.so","colocate":"true"}`, string(host.got.Program))

	koid, err := c.GetProcessKoid(ctx, &Empty{})
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), koid.Koid)

	_, err = c.Stop(ctx, &DriverRef{DriverID: "drv-uart"})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestUnaryInterceptorSeesFullMethod(t *testing.T) {
	var methods []string
	intercept := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		methods = append(methods, info.FullMethod)
		return handler(ctx, req)
	}
	conn := serve(t, func(s *grpc.Server) { RegisterDriverHostServer(s, &testHost{}) }, grpc.UnaryInterceptor(intercept))

	_, err := NewDriverHostClient(conn).GetProcessKoid(context.Background(), &Empty{})
	require.NoError(t, err)
	assert.Equal(t, []string{"/nx.driver.DriverHost/GetProcessKoid"}, methods)
}

type testNode struct {
	UnimplementedNodeServer
}

func (testNode) AddChild(_ context.Context, req *AddChildRequest) (*AddChildResponse, error) {
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "name required")
	}
	return &AddChildResponse{NodeID: req.ParentID + 1}, nil
}

func TestNodeServiceWithDialOptions(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterNodeServer(s, testNode{})
	go func() { _ = s.Serve(lis) }()
	defer s.Stop()

	opts := append([]grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, DialOptions()...)
	conn, err := grpc.NewClient("passthrough:///bufnet", opts...)
	require.NoError(t, err)
	defer conn.Close()

	// A raw Invoke relies on the connection's default content subtype.
	out := new(AddChildResponse)
	err = conn.Invoke(context.Background(), "/"+NodeServiceName+"/AddChild", &AddChildRequest{ParentID: 1, Name: "child"}, out)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), out.NodeID)

	_, err = NewNodeClient(conn).AddChild(context.Background(), &AddChildRequest{ParentID: 1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = NewNodeClient(conn).Remove(context.Background(), &NodeRef{NodeID: 2})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}
