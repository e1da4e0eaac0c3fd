package drivermgr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/NotrixInc/nx-driver-manager/hostrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// NewRemoteIndex returns a DriverIndex served over cc.
func NewRemoteIndex(cc grpc.ClientConnInterface) DriverIndex {
	return &remoteIndex{c: hostrpc.NewDriverIndexClient(cc)}
}

type remoteIndex struct {
	c hostrpc.DriverIndexClient
}

func (r *remoteIndex) MatchDriver(ctx context.Context, args MatchArgs) (MatchResult, error) {
	resp, err := r.c.MatchDriver(ctx, &hostrpc.MatchDriverRequest{
		Name:       args.Name,
		Properties: mapSlice(args.Properties, toWireProperty),
	})
	if err != nil {
		return MatchResult{}, fromStatus(err)
	}
	return fromWireMatch(resp), nil
}

func (r *remoteIndex) AddDeviceGroup(ctx context.Context, spec DeviceGroupSpec) (DeviceGroupRegistration, error) {
	resp, err := r.c.AddDeviceGroup(ctx, toWireDeviceGroup(spec))
	if err != nil {
		return DeviceGroupRegistration{}, fromStatus(err)
	}
	return DeviceGroupRegistration{NodeNames: resp.NodeNames, Composite: fromWireComposite(resp.Composite)}, nil
}

// NewRemoteRealm returns a Realm served over cc.
func NewRemoteRealm(cc grpc.ClientConnInterface) Realm {
	return &remoteRealm{c: hostrpc.NewRealmClient(cc)}
}

type remoteRealm struct {
	c hostrpc.RealmClient
}

func (r *remoteRealm) CreateChild(ctx context.Context, req CreateChildRequest) error {
	_, err := r.c.CreateChild(ctx, &hostrpc.CreateChildRequest{
		Collection: string(req.Child.Collection),
		Name:       req.Child.Name,
		URL:        req.URL,
		Offers:     mapSlice(req.Offers, toWireOffer),
		Handles:    mapSlice(req.Handles, toWireHandle),
	})
	return fromStatus(err)
}

func (r *remoteRealm) OpenExposedDir(ctx context.Context, child ChildRef) (string, error) {
	resp, err := r.c.OpenExposedDir(ctx, &hostrpc.OpenExposedDirRequest{Collection: string(child.Collection), Name: child.Name})
	if err != nil {
		return "", fromStatus(err)
	}
	return resp.Address, nil
}

// closeNotifier runs registered callbacks once, when close is first called.
// Callbacks registered after that run immediately.
type closeNotifier struct {
	mu     sync.Mutex
	closed bool
	err    error
	fns    []func(error)
}

func (c *closeNotifier) OnClose(fn func(error)) {
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		fn(err)
		return
	}
	c.fns = append(c.fns, fn)
	c.mu.Unlock()
}

func (c *closeNotifier) close(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

// NewHostDialer returns a HostDialer that connects to driver hosts over
// gRPC. opts are added to the defaults (insecure transport, JSON codec).
func NewHostDialer(logger Logger, opts ...grpc.DialOption) HostDialer {
	if logger == nil {
		logger = NewNopLogger()
	}
	return func(ctx context.Context, addr string) (DriverHost, error) {
		// Without an idle timeout the channel only goes idle when the host drops it.
		dialOpts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithIdleTimeout(0),
		}, hostrpc.DialOptions()...)
		dialOpts = append(dialOpts, opts...)
		conn, err := grpc.NewClient(addr, dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("dial driver host %s: %w", addr, err)
		}
		return newRemoteHost(conn, addr, logger), nil
	}
}

// errHostDisconnected is reported to OnClose callbacks when the connection
// to a driver host is lost.
var errHostDisconnected = errors.New("driver host disconnected")

type remoteHost struct {
	closeNotifier
	conn   *grpc.ClientConn
	c      hostrpc.DriverHostClient
	addr   string
	logger Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func newRemoteHost(conn *grpc.ClientConn, addr string, logger Logger) *remoteHost {
	ctx, cancel := context.WithCancel(context.Background())
	h := &remoteHost{
		conn:   conn,
		c:      hostrpc.NewDriverHostClient(conn),
		addr:   addr,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	conn.Connect()
	go h.watch()
	return h
}

// watch reports the host closed once a connection that was ready fails or
// is shut down.
func (h *remoteHost) watch() {
	ready := false
	for {
		state := h.conn.GetState()
		switch state {
		case connectivity.Ready:
			ready = true
		case connectivity.TransientFailure, connectivity.Idle:
			if ready {
				h.shutdown(errHostDisconnected)
				return
			}
		case connectivity.Shutdown:
			h.shutdown(nil)
			return
		}
		if !h.conn.WaitForStateChange(h.ctx, state) {
			return
		}
	}
}

func (h *remoteHost) shutdown(err error) {
	h.logger.Debug("driver host connection closed", "addr", h.addr, "err", err)
	h.cancel()
	_ = h.conn.Close()
	h.close(err)
}

// Close drops the connection to the host.
func (h *remoteHost) Close() error {
	h.shutdown(nil)
	return nil
}

func (h *remoteHost) Start(ctx context.Context, req DriverStartRequest) (Driver, error) {
	resp, err := h.c.Start(ctx, &hostrpc.StartDriverRequest{
		NodeID:   req.NodeID,
		NodeName: req.NodeName,
		Symbols:  mapSlice(req.Symbols, toWireSymbol),
		Offers:   mapSlice(req.Offers, toWireOffer),
		URL:      req.URL,
		Program:  req.Program.Raw(),
	})
	if err != nil {
		return nil, fromStatus(err)
	}
	d := &remoteDriver{host: h, id: resp.DriverID}
	go d.await()
	return d, nil
}

func (h *remoteHost) GetProcessKoid(ctx context.Context) (uint64, error) {
	resp, err := h.c.GetProcessKoid(ctx, &hostrpc.Empty{})
	if err != nil {
		return 0, fromStatus(err)
	}
	return resp.Koid, nil
}

func (h *remoteHost) InstallLoader(ctx context.Context, loaderAddr string) error {
	_, err := h.c.InstallLoader(ctx, &hostrpc.InstallLoaderRequest{Address: loaderAddr})
	return fromStatus(err)
}

type remoteDriver struct {
	closeNotifier
	host *remoteHost
	id   string
}

func (d *remoteDriver) Stop(ctx context.Context) error {
	_, err := d.host.c.Stop(ctx, &hostrpc.DriverRef{DriverID: d.id})
	return fromStatus(err)
}

// await long-polls the host until the driver exits or the host goes away.
func (d *remoteDriver) await() {
	resp, err := d.host.c.AwaitStop(d.host.ctx, &hostrpc.DriverRef{DriverID: d.id})
	switch {
	case err != nil:
		d.close(fmt.Errorf("driver %s: %w", d.id, fromStatus(err)))
	case resp.Error != "":
		d.close(fmt.Errorf("driver %s: %s", d.id, resp.Error))
	default:
		d.close(nil)
	}
}
