package drivermgr

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	mu         sync.Mutex
	matches    map[string]MatchResult
	errs       map[string]error
	groups     map[string]DeviceGroupRegistration
	calls      []MatchArgs
	groupSpecs []DeviceGroupSpec
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		matches: make(map[string]MatchResult),
		errs:    make(map[string]error),
		groups:  make(map[string]DeviceGroupRegistration),
	}
}

func (f *fakeIndex) set(name string, res MatchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matches[name] = res
}

func (f *fakeIndex) setDriver(name, url string) {
	f.set(name, MatchResult{Driver: &DriverInfo{URL: url}})
}

func (f *fakeIndex) MatchDriver(_ context.Context, args MatchArgs) (MatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if err, ok := f.errs[args.Name]; ok {
		return MatchResult{}, err
	}
	if res, ok := f.matches[args.Name]; ok {
		return res, nil
	}
	return MatchResult{}, ErrNotFound
}

func (f *fakeIndex) AddDeviceGroup(_ context.Context, spec DeviceGroupSpec) (DeviceGroupRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupSpecs = append(f.groupSpecs, spec)
	if reg, ok := f.groups[spec.TopologicalPath]; ok {
		return reg, nil
	}
	return DeviceGroupRegistration{}, ErrNotFound
}

type fakeRealm struct {
	mu       sync.Mutex
	children []CreateChildRequest
	fail     map[string]error
}

func newFakeRealm() *fakeRealm {
	return &fakeRealm{fail: make(map[string]error)}
}

func (f *fakeRealm) CreateChild(_ context.Context, req CreateChildRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[req.URL]; err != nil {
		return err
	}
	f.children = append(f.children, req)
	return nil
}

func (f *fakeRealm) OpenExposedDir(_ context.Context, child ChildRef) (string, error) {
	return "host://" + child.Name, nil
}

// request returns the last driver component created under name.
func (f *fakeRealm) request(t *testing.T, name string) CreateChildRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.children) - 1; i >= 0; i-- {
		if c := f.children[i]; c.Child.Name == name && c.Child.Collection != CollectionHost {
			return c
		}
	}
	require.Failf(t, "no driver component", "name %q", name)
	return CreateChildRequest{}
}

func (f *fakeRealm) count(collection Collection) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.children {
		if c.Child.Collection == collection {
			n++
		}
	}
	return n
}

type fakeHost struct {
	mu       sync.Mutex
	addr     string
	koid     uint64
	loader   string
	startErr error
	starts   []DriverStartRequest
	drivers  []*fakeDriver
	onClose  []func(error)
}

func (h *fakeHost) Start(_ context.Context, req DriverStartRequest) (Driver, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.startErr != nil {
		return nil, h.startErr
	}
	d := &fakeDriver{url: req.URL}
	h.starts = append(h.starts, req)
	h.drivers = append(h.drivers, d)
	return d, nil
}

func (h *fakeHost) GetProcessKoid(context.Context) (uint64, error) { return h.koid, nil }

func (h *fakeHost) InstallLoader(_ context.Context, addr string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loader = addr
	return nil
}

func (h *fakeHost) OnClose(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClose = append(h.onClose, fn)
}

func (h *fakeHost) close(err error) {
	h.mu.Lock()
	fns := h.onClose
	h.onClose = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (h *fakeHost) driver(i int) *fakeDriver {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drivers[i]
}

// fakeDriver exits as soon as it is asked to stop, unless hold is set.
type fakeDriver struct {
	mu      sync.Mutex
	url     string
	stops   int
	hold    bool
	onClose []func(error)
}

func (d *fakeDriver) Stop(context.Context) error {
	d.mu.Lock()
	d.stops++
	hold := d.hold
	d.mu.Unlock()
	if !hold {
		d.exit(nil)
	}
	return nil
}

func (d *fakeDriver) OnClose(fn func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClose = append(d.onClose, fn)
}

func (d *fakeDriver) exit(err error) {
	d.mu.Lock()
	fns := d.onClose
	d.onClose = nil
	d.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (d *fakeDriver) stopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

type fakeController struct {
	mu     sync.Mutex
	closed int
	err    error
}

func (c *fakeController) Close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	c.err = err
}

// recordingManager is a NodeManager that records binds and hands out one
// shared host.
type recordingManager struct {
	binds   []*Node
	host    DriverHost
	hostErr error
}

func (m *recordingManager) Bind(n *Node, tracker *BindResultTracker) {
	m.binds = append(m.binds, n)
	if tracker != nil {
		tracker.ReportNoBind()
	}
}

func (m *recordingManager) CreateDriverHost(done func(DriverHost, error)) {
	done(m.host, m.hostErr)
}

type testEnv struct {
	loop   *ManualLoop
	index  *fakeIndex
	realm  *fakeRealm
	reg    *prometheus.Registry
	runner *Runner

	mu    sync.Mutex
	hosts []*fakeHost
}

func newTestEnv(t *testing.T, opts ...func(*RunnerConfig)) *testEnv {
	t.Helper()
	e := &testEnv{
		loop:  NewManualLoop(),
		index: newFakeIndex(),
		realm: newFakeRealm(),
		reg:   prometheus.NewRegistry(),
	}
	cfg := RunnerConfig{
		Dependencies: Dependencies{
			Index: e.index,
			Realm: e.realm,
			Dial:  e.dial,
		},
		Dispatcher: e.loop,
		Registerer: e.reg,
	}
	for _, o := range opts {
		o(&cfg)
	}
	r, err := NewRunner(cfg)
	require.NoError(t, err)
	e.runner = r
	return e
}

func (e *testEnv) dial(_ context.Context, addr string) (DriverHost, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := &fakeHost{addr: addr, koid: uint64(1000 + len(e.hosts))}
	e.hosts = append(e.hosts, h)
	return h, nil
}

func (e *testEnv) host(i int) *fakeHost {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hosts[i]
}

func (e *testEnv) hostCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.hosts)
}

// addChild adds a child of parent, asks for it to be bound and runs the
// loop until the bind settles.
func (e *testEnv) addChild(t *testing.T, parent *Node, name string, props ...Property) *Node {
	t.Helper()
	n, err := parent.AddChild(AddChildArgs{Name: name, Properties: props, Bind: true})
	require.NoError(t, err)
	e.loop.RunUntilIdle()
	return n
}

// start plays the component framework's part: it hands the start token of
// n's driver component back to the runner.
func (e *testEnv) start(t *testing.T, n *Node, program map[string]string) *fakeController {
	t.Helper()
	req := e.realm.request(t, n.ComponentMoniker())
	info := StartInfo{URL: req.URL, Handles: req.Handles}
	if program != nil {
		info.Program = ProgramFromMap(program)
	}
	ctrl := &fakeController{}
	require.NoError(t, e.runner.Start(info, ctrl))
	e.loop.RunUntilIdle()
	return ctrl
}

// bindAndStart matches name to url and starts the driver on a new child of parent.
func (e *testEnv) bindAndStart(t *testing.T, parent *Node, name, url string) *Node {
	t.Helper()
	e.index.setDriver(name, url)
	n := e.addChild(t, parent, name)
	e.start(t, n, nil)
	require.Equal(t, url, n.DriverURL())
	return n
}

// stallRemoval starts removing n and keeps it waiting on a child whose
// driver ignores stop requests. The returned func lets that driver exit.
func (e *testEnv) stallRemoval(t *testing.T, n *Node) func() {
	t.Helper()
	e.bindAndStart(t, n, n.Name()+"-child", "boot://"+n.Name()+"-child")
	h := e.host(e.hostCount() - 1)
	h.mu.Lock()
	d := h.drivers[len(h.drivers)-1]
	h.mu.Unlock()
	d.mu.Lock()
	d.hold = true
	d.mu.Unlock()

	n.Remove()
	e.loop.RunUntilIdle()
	require.Equal(t, NodeStateWaitingOnChildren, n.State())
	return func() {
		d.exit(nil)
		e.loop.RunUntilIdle()
	}
}
