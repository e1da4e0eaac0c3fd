package drivermgr

import (
	"context"

	"github.com/NotrixInc/nx-driver-manager/hostrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServerConfig holds configuration for the runner's gRPC services
type ServerConfig struct {
	Runner *Runner
	Loop   LoopSyncer
	Logger Logger
}

// RegisterServices serves DriverRunner and Node on s. Every request is
// handled on the runner's loop.
func RegisterServices(s grpc.ServiceRegistrar, cfg ServerConfig) {
	if cfg.Logger == nil {
		cfg.Logger = NewNopLogger()
	}
	hostrpc.RegisterDriverRunnerServer(s, &runnerServer{cfg: cfg})
	hostrpc.RegisterNodeServer(s, &nodeServer{cfg: cfg})
}

func (c ServerConfig) sync(ctx context.Context, fn func() error) error {
	var err error
	if syncErr := c.Loop.Sync(ctx, func() { err = fn() }); syncErr != nil {
		return status.FromContextError(syncErr).Err()
	}
	return toStatus(err)
}

type runnerServer struct {
	hostrpc.UnimplementedDriverRunnerServer
	cfg ServerConfig
}

func (s *runnerServer) Start(ctx context.Context, req *hostrpc.RunnerStartRequest) (*hostrpc.Empty, error) {
	info := StartInfo{
		URL:     req.URL,
		Program: NewProgramConfig(req.Program),
		Handles: mapSlice(req.Handles, fromWireHandle),
	}
	controller := &loggingController{url: req.URL, logger: s.cfg.Logger}
	err := s.cfg.sync(ctx, func() error {
		return s.cfg.Runner.Start(info, controller)
	})
	if err != nil {
		s.cfg.Logger.Warn("rejected driver start", "url", req.URL, "err", err)
		return nil, err
	}
	return &hostrpc.Empty{}, nil
}

// loggingController stands in for the component framework's controller
// channel, which this transport has no equivalent of.
type loggingController struct {
	url    string
	logger Logger
}

func (c *loggingController) Close(err error) {
	if err != nil {
		c.logger.Warn("driver component closed", "url", c.url, "err", err)
		return
	}
	c.logger.Debug("driver component closed", "url", c.url)
}

type nodeServer struct {
	hostrpc.UnimplementedNodeServer
	cfg ServerConfig
}

func (s *nodeServer) AddChild(ctx context.Context, req *hostrpc.AddChildRequest) (*hostrpc.AddChildResponse, error) {
	args := AddChildArgs{
		Name:       req.Name,
		Properties: mapSlice(req.Properties, fromWireProperty),
		Offers:     mapSlice(req.Offers, fromWireOffer),
		Symbols:    mapSlice(req.Symbols, fromWireSymbol),
		Bind:       req.Bind,
	}
	var id uint64
	err := s.cfg.sync(ctx, func() error {
		parent, ok := s.cfg.Runner.Node(req.ParentID)
		if !ok {
			return status.Errorf(codes.NotFound, "node %d not found", req.ParentID)
		}
		child, err := parent.AddChild(args)
		if err != nil {
			return err
		}
		id = child.ID()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &hostrpc.AddChildResponse{NodeID: id}, nil
}

func (s *nodeServer) Remove(ctx context.Context, req *hostrpc.NodeRef) (*hostrpc.Empty, error) {
	err := s.cfg.sync(ctx, func() error {
		n, ok := s.cfg.Runner.Node(req.NodeID)
		if !ok {
			return status.Errorf(codes.NotFound, "node %d not found", req.NodeID)
		}
		n.Remove()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &hostrpc.Empty{}, nil
}
