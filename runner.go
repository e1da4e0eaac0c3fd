package drivermgr

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultRootName      = "dev"
	DefaultDriverHostURL = "boot:///driver_host#meta/driver_host.cm"
	DefaultRPCTimeout    = 10 * time.Second
)

// RunnerConfig configures a Runner. Zero values are replaced with defaults.
type RunnerConfig struct {
	Dependencies

	// Dispatcher is the loop every node and runner mutation happens on (required).
	Dispatcher Dispatcher

	// Registerer receives the runner's metrics. Nil disables registration.
	Registerer prometheus.Registerer

	// RootName names the root of the device tree (default "dev").
	RootName string

	// DriverHostURL is the component url of a driver host.
	DriverHostURL string

	// LoaderAddress, when set, is installed as the loader of every new driver host.
	LoaderAddress string

	// RPCTimeout bounds each call to the index and the realm (default 10s).
	RPCTimeout time.Duration
}

func (c *RunnerConfig) setDefaults() {
	if c.Logger == nil {
		c.Logger = NewNopLogger()
	}
	if c.Clock == nil {
		c.Clock = NewSystemClock()
	}
	if c.RootName == "" {
		c.RootName = DefaultRootName
	}
	if c.DriverHostURL == "" {
		c.DriverHostURL = DefaultDriverHostURL
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
}

type driverHostComponent struct {
	name string
	host DriverHost
	koid uint64
	elem *list.Element
}

// Runner binds nodes to drivers and starts them in driver hosts. All of its
// methods must be called on the dispatcher loop.
type Runner struct {
	cfg        RunnerConfig
	logger     Logger
	dispatcher Dispatcher
	metrics    *runnerMetrics

	root  *Node
	env   *nodeEnv
	nodes map[uint64]weakNode

	orphans       []weakNode
	pendingStarts map[string]weakNode

	composites   *CompositeNodeManager
	deviceGroups *DeviceGroupManager
	legacy       *CompositeDeviceManager

	hosts     *list.List
	hostCount int
}

var _ NodeManager = (*Runner)(nil)

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Index == nil || cfg.Realm == nil || cfg.Dial == nil {
		return nil, fmt.Errorf("runner needs an index, a realm and a host dialer: %w", ErrMissingArgs)
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("runner needs a dispatcher: %w", ErrMissingArgs)
	}
	cfg.setDefaults()

	r := &Runner{
		cfg:           cfg,
		logger:        cfg.Logger,
		dispatcher:    cfg.Dispatcher,
		metrics:       newRunnerMetrics(cfg.Registerer),
		nodes:         make(map[uint64]weakNode),
		pendingStarts: make(map[string]weakNode),
		hosts:         list.New(),
	}
	r.env = &nodeEnv{
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
		onAdded:    r.nodeAdded,
		onRemoved:  r.nodeRemoved,
	}
	r.root = newNode(cfg.RootName, nil, r, r.env)
	r.composites = NewCompositeNodeManager(r)
	r.deviceGroups = NewDeviceGroupManager(cfg.Index, cfg.Dispatcher, cfg.Logger, r)
	r.deviceGroups.onResolved = func(path string) {
		r.TryBindAllOrphans(func(results []BindResult) {
			r.logger.Debug("orphans rebound after device group resolved", "path", path, "bound", len(results))
		})
	}
	r.legacy = NewCompositeDeviceManager(r, cfg.Logger)
	return r, nil
}

func (r *Runner) Root() *Node { return r.root }

// Node returns the live node with the given id.
func (r *Runner) Node(id uint64) (*Node, bool) {
	w, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	n := w.Get()
	return n, n != nil
}

// Orphans returns the live nodes waiting for a driver.
func (r *Runner) Orphans() []*Node {
	var out []*Node
	for _, w := range r.orphans {
		if n := w.Get(); n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (r *Runner) DeviceGroups() *DeviceGroupManager         { return r.deviceGroups }
func (r *Runner) Composites() *CompositeNodeManager         { return r.composites }
func (r *Runner) CompositeDevices() *CompositeDeviceManager { return r.legacy }

func (r *Runner) nodeAdded(n *Node) {
	r.nodes[n.id] = makeWeak(n)
	r.metrics.nodes.Set(float64(len(r.nodes)))
}

func (r *Runner) nodeRemoved(n *Node) {
	delete(r.nodes, n.id)
	r.metrics.nodes.Set(float64(len(r.nodes)))
}

func (r *Runner) rpcContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.RPCTimeout)
}

// Bind finds a driver for node. Exactly one outcome is reported to tracker:
// the node is started, left pending in a composite, or orphaned.
func (r *Runner) Bind(node *Node, tracker *BindResultTracker) {
	if r.legacy.BindNode(node) {
		r.metrics.binds.WithLabelValues(bindLegacy).Inc()
		if tracker != nil {
			tracker.ReportNoBind()
		}
		return
	}

	args := MatchArgs{Name: node.Name(), Properties: node.Properties()}
	w := makeWeak(node)
	callAsync(r.dispatcher, func() (MatchResult, error) {
		ctx, cancel := r.rpcContext()
		defer cancel()
		return r.cfg.Index.MatchDriver(ctx, args)
	}, func(res MatchResult, err error) {
		node := w.Get()
		if node == nil || node.State() != NodeStateRunning {
			if tracker != nil {
				tracker.ReportNoBind()
			}
			return
		}
		r.handleMatch(node, res, err, tracker)
	})
}

func (r *Runner) handleMatch(node *Node, res MatchResult, err error, tracker *BindResultTracker) {
	report := func(url string) {
		if tracker == nil {
			return
		}
		if url == "" {
			tracker.ReportNoBind()
		} else {
			tracker.ReportSuccessfulBind(node.Name(), url)
		}
	}

	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.logger.Debug("no driver matched", "node", node.TopoName())
		} else {
			r.logger.Error("driver match failed", "node", node.TopoName(), "err", err)
		}
		r.orphan(node)
		report("")
		return
	}

	target, driver, err := r.resolveMatch(node, res)
	if err != nil {
		r.logger.Warn("failed to bind node", "node", node.TopoName(), "err", err)
		r.orphan(node)
		report("")
		return
	}
	if target == nil {
		r.metrics.binds.WithLabelValues(bindPending).Inc()
		r.logger.Debug("node waiting for composite siblings", "node", node.TopoName())
		report("")
		return
	}

	pkg := driver.PackageType
	if pkg == PackageTypeUnknown {
		pkg = PackageTypeFromURL(driver.URL)
	}
	if err := r.StartDriver(target, driver.URL, pkg); err != nil {
		r.logger.Error("failed to start driver", "node", target.TopoName(), "url", driver.URL, "err", err)
		r.orphan(target)
		report("")
		return
	}
	r.metrics.binds.WithLabelValues(bindStarted).Inc()
	report(driver.URL)
}

// resolveMatch returns the node the matched driver should run on, which is
// a composite for composite and device group matches. A nil node means the
// composite is still waiting for parents.
func (r *Runner) resolveMatch(node *Node, res MatchResult) (*Node, DriverInfo, error) {
	switch {
	case res.Driver != nil:
		return node, *res.Driver, nil
	case res.Composite != nil:
		composite, err := r.composites.HandleMatchedCompositeInfo(node, *res.Composite)
		if err != nil || composite == nil {
			return nil, DriverInfo{}, err
		}
		return composite, res.Composite.Driver, nil
	case len(res.DeviceGroup) > 0:
		return r.deviceGroups.BindDeviceGroupNode(res.DeviceGroup, node)
	default:
		return nil, DriverInfo{}, fmt.Errorf("empty match for %s: %w", node.TopoName(), ErrNotFound)
	}
}

func (r *Runner) orphan(node *Node) {
	for _, w := range r.orphans {
		if w.Get() == node {
			return
		}
	}
	r.orphans = append(r.orphans, makeWeak(node))
	r.metrics.binds.WithLabelValues(bindOrphaned).Inc()
	r.metrics.orphans.Set(float64(len(r.orphans)))
}

// StartDriver asks the realm to create the driver component for node. The
// component later calls Start with the token handed to it here.
func (r *Runner) StartDriver(node *Node, url string, pkg PackageType) error {
	if node.State() != NodeStateRunning {
		return fmt.Errorf("start %s on %s: %w", url, node.TopoName(), ErrNodeRemoved)
	}
	collection := pkg.Collection()
	token := uuid.NewString()
	w := makeWeak(node)
	r.pendingStarts[token] = w
	r.metrics.pendingStarts.Set(float64(len(r.pendingStarts)))
	r.metrics.starts.WithLabelValues(string(collection)).Inc()
	node.collection = collection

	req := CreateChildRequest{
		Child:   ChildRef{Collection: collection, Name: node.ComponentMoniker()},
		URL:     url,
		Offers:  node.Offers(),
		Handles: []Handle{{Kind: HandleStartToken, Value: token}},
	}
	r.logger.Info("creating driver component", "node", node.TopoName(), "url", url, "collection", collection)
	callAsync(r.dispatcher, func() (struct{}, error) {
		ctx, cancel := r.rpcContext()
		defer cancel()
		return struct{}{}, r.cfg.Realm.CreateChild(ctx, req)
	}, func(_ struct{}, err error) {
		if err == nil {
			return
		}
		r.logger.Error("failed to create driver component", "url", url, "err", err)
		delete(r.pendingStarts, token)
		r.metrics.pendingStarts.Set(float64(len(r.pendingStarts)))
		if n := w.Get(); n != nil && n.State() == NodeStateRunning {
			r.orphan(n)
		}
	})
	return nil
}

// Start is called when a driver component created by StartDriver starts.
// The token must be the only handle.
func (r *Runner) Start(info StartInfo, controller ComponentController) error {
	if len(info.Handles) != 1 || info.Handles[0].Kind != HandleStartToken {
		return fmt.Errorf("start %s: want exactly one start token: %w", info.URL, ErrInvalidArgs)
	}
	token := info.Handles[0].Value
	w, ok := r.pendingStarts[token]
	if !ok {
		return fmt.Errorf("start %s: unknown token: %w", info.URL, ErrUnavailable)
	}
	delete(r.pendingStarts, token)
	r.metrics.pendingStarts.Set(float64(len(r.pendingStarts)))

	node := w.Get()
	if node == nil {
		return fmt.Errorf("start %s: node is gone: %w", info.URL, ErrUnavailable)
	}
	node.StartDriver(info, controller, func(err error) {
		if err == nil {
			r.logger.Info("driver started", "node", node.TopoName(), "url", info.URL)
			return
		}
		r.logger.Error("failed to start driver", "node", node.TopoName(), "url", info.URL, "err", err)
		if controller != nil {
			controller.Close(err)
		}
		if n := w.Get(); n != nil && n.State() == NodeStateRunning {
			r.orphan(n)
		}
	})
	return nil
}

// TryBindAllOrphans retries every orphan. cb receives the successful binds.
func (r *Runner) TryBindAllOrphans(cb func([]BindResult)) {
	orphans := r.orphans
	r.orphans = nil
	r.metrics.orphans.Set(0)

	tracker := NewBindResultTracker(len(orphans), cb)
	for _, w := range orphans {
		n := w.Get()
		if n == nil || n.State() != NodeStateRunning {
			tracker.ReportNoBind()
			continue
		}
		r.Bind(n, tracker)
	}
}

// CreateDriverHost launches a new driver host component and connects to it.
func (r *Runner) CreateDriverHost(done func(DriverHost, error)) {
	r.hostCount++
	ref := ChildRef{Collection: CollectionHost, Name: fmt.Sprintf("driver-host-%d", r.hostCount)}
	url, loader := r.cfg.DriverHostURL, r.cfg.LoaderAddress

	callAsync(r.dispatcher, func() (DriverHost, error) {
		ctx, cancel := r.rpcContext()
		defer cancel()
		if err := r.cfg.Realm.CreateChild(ctx, CreateChildRequest{Child: ref, URL: url}); err != nil {
			return nil, fmt.Errorf("create %s: %w", ref.Name, err)
		}
		addr, err := r.cfg.Realm.OpenExposedDir(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("open exposed dir of %s: %w", ref.Name, err)
		}
		host, err := r.cfg.Dial(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s at %s: %w", ref.Name, addr, err)
		}
		if loader != "" {
			if err := host.InstallLoader(ctx, loader); err != nil {
				r.logger.Warn("failed to install loader", "host", ref.Name, "err", err)
			}
		}
		return host, nil
	}, func(host DriverHost, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		hc := &driverHostComponent{name: ref.Name, host: host}
		hc.elem = r.hosts.PushBack(hc)
		r.metrics.driverHosts.Set(float64(r.hosts.Len()))
		r.logger.Info("driver host connected", "host", ref.Name)

		host.OnClose(func(err error) {
			r.dispatcher.Post(func() {
				if hc.elem == nil {
					return
				}
				r.hosts.Remove(hc.elem)
				hc.elem = nil
				r.metrics.driverHosts.Set(float64(r.hosts.Len()))
				r.logger.Info("driver host closed", "host", hc.name, "err", err)
			})
		})
		callAsync(r.dispatcher, func() (uint64, error) {
			ctx, cancel := r.rpcContext()
			defer cancel()
			return host.GetProcessKoid(ctx)
		}, func(koid uint64, err error) {
			if err != nil {
				r.logger.Warn("failed to get driver host koid", "host", hc.name, "err", err)
				return
			}
			hc.koid = koid
		})
		done(host, nil)
	})
}

// DriverHostKoid returns the process koid of a connected host, or 0.
func (r *Runner) DriverHostKoid(host DriverHost) uint64 {
	if host == nil {
		return 0
	}
	for e := r.hosts.Front(); e != nil; e = e.Next() {
		if hc := e.Value.(*driverHostComponent); hc.host == host {
			return hc.koid
		}
	}
	return 0
}

// DriverHostCount returns the number of connected driver hosts.
func (r *Runner) DriverHostCount() int { return r.hosts.Len() }

// StartRootDriver binds url to the root node.
func (r *Runner) StartRootDriver(url string) error {
	return r.StartDriver(r.root, url, PackageTypeFromURL(url))
}

func (r *Runner) CreateDeviceGroup(spec DeviceGroupSpec) error {
	return r.deviceGroups.AddDeviceGroup(spec)
}

// AddCompositeDevice registers a bind program composite and offers it every
// node already in the tree that has no driver.
func (r *Runner) AddCompositeDevice(spec CompositeDeviceSpec) error {
	a, err := r.legacy.AddCompositeDevice(spec)
	if err != nil {
		return err
	}
	claimed := make(map[*Node]bool)
	r.walk(func(n *Node) {
		if n == r.root || n.IsComposite() || n.driver != nil || n.State() != NodeStateRunning {
			return
		}
		if a.BindNode(n) {
			claimed[n] = true
		}
	})
	if len(claimed) > 0 {
		kept := r.orphans[:0]
		for _, w := range r.orphans {
			if n := w.Get(); n != nil && !claimed[n] {
				kept = append(kept, w)
			}
		}
		r.orphans = kept
		r.metrics.orphans.Set(float64(len(r.orphans)))
	}
	return nil
}

// Nodes returns every node in depth first order, root first. Composites
// are listed once.
func (r *Runner) Nodes() []*Node {
	var out []*Node
	r.walk(func(n *Node) { out = append(out, n) })
	return out
}

func (r *Runner) walk(fn func(*Node)) {
	seen := make(map[*Node]bool)
	var visit func(*Node)
	visit = func(n *Node) {
		if seen[n] {
			return
		}
		seen[n] = true
		fn(n)
		for _, c := range n.children {
			visit(c)
		}
	}
	visit(r.root)
}

// RemoveNodes removes the whole tree. pkgDrained runs once every package
// driver has stopped, allDrained once every node is gone.
func (r *Runner) RemoveNodes(pkgDrained, allDrained func()) {
	t := NewNodeRemovalTracker(r.logger)
	r.walk(func(n *Node) {
		if n.State() == NodeStateDead {
			return
		}
		t.RegisterNode(n.id, n.name, n.collection, RemovalStateRunning)
	})
	t.SetCallbacks(pkgDrained, allDrained)
	r.env.removal = t
	t.FinishEnumeration()
	r.root.Remove()
}
