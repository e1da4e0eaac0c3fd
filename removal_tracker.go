package drivermgr

import "sync"

type RemovalState string

const (
	RemovalStateRunning         RemovalState = "RUNNING"
	RemovalStateWaitingOnDriver RemovalState = "WAITING_ON_DRIVER"
	RemovalStateStopping        RemovalState = "STOPPING"
)

type trackedNode struct {
	name       string
	collection Collection
	state      RemovalState
}

// NodeRemovalTracker follows a tree-wide removal and reports when all
// package drivers, and then all drivers, are gone. Each callback fires at
// most once.
type NodeRemovalTracker struct {
	mu          sync.Mutex
	nodes       map[uint64]*trackedNode
	enumerated  bool
	pkgCallback func()
	allCallback func()
	pkgDone     bool
	allDone     bool
	logger      Logger
}

func NewNodeRemovalTracker(logger Logger) *NodeRemovalTracker {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &NodeRemovalTracker{nodes: make(map[uint64]*trackedNode), logger: logger}
}

func (t *NodeRemovalTracker) RegisterNode(id uint64, name string, collection Collection, state RemovalState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = &trackedNode{name: name, collection: collection, state: state}
}

// SetCallbacks sets the package-drained and all-drained callbacks.
func (t *NodeRemovalTracker) SetCallbacks(pkgDrained, allDrained func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pkgCallback = pkgDrained
	t.allCallback = allDrained
}

// FinishEnumeration marks registration complete. Callbacks never fire
// before it is called.
func (t *NodeRemovalTracker) FinishEnumeration() {
	t.mu.Lock()
	t.enumerated = true
	t.mu.Unlock()
	t.check()
}

func (t *NodeRemovalTracker) NotifyNoChildren(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[id]; ok && n.state == RemovalStateRunning {
		n.state = RemovalStateWaitingOnDriver
	}
}

func (t *NodeRemovalTracker) NotifyRemovalComplete(id uint64) {
	t.mu.Lock()
	n, ok := t.nodes[id]
	if ok {
		n.state = RemovalStateStopping
	}
	t.mu.Unlock()
	if ok {
		t.check()
	}
}

// Remaining returns the number of package nodes and of all nodes still
// not stopped.
func (t *NodeRemovalTracker) Remaining() (pkg, all int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked()
}

func (t *NodeRemovalTracker) remainingLocked() (pkg, all int) {
	for _, n := range t.nodes {
		if n.state == RemovalStateStopping {
			continue
		}
		all++
		if n.collection.IsPackage() {
			pkg++
		}
	}
	return pkg, all
}

func (t *NodeRemovalTracker) check() {
	var fire []func()

	t.mu.Lock()
	if !t.enumerated {
		t.mu.Unlock()
		return
	}
	pkg, all := t.remainingLocked()
	if pkg == 0 && !t.pkgDone {
		t.pkgDone = true
		t.logger.Info("package drivers removed")
		if t.pkgCallback != nil {
			fire = append(fire, t.pkgCallback)
		}
	}
	if all == 0 && !t.allDone {
		t.allDone = true
		t.logger.Info("all drivers removed")
		if t.allCallback != nil {
			fire = append(fire, t.allCallback)
		}
		t.nodes = make(map[uint64]*trackedNode)
		t.pkgCallback = nil
		t.allCallback = nil
	}
	t.mu.Unlock()

	for _, f := range fire {
		f()
	}
}
