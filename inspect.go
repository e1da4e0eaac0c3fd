package drivermgr

// NodeInfoPageSize is the number of nodes returned per introspection page.
const NodeInfoPageSize = 50

type PropertyInfo struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// NodeInfo is a snapshot of one node for introspection.
type NodeInfo struct {
	ID             uint64         `json:"id"`
	ParentIDs      []uint64       `json:"parent_ids,omitempty"`
	ChildIDs       []uint64       `json:"child_ids,omitempty"`
	Moniker        string         `json:"moniker"`
	DriverURL      string         `json:"driver_url,omitempty"`
	Properties     []PropertyInfo `json:"properties,omitempty"`
	DriverHostKoid uint64         `json:"driver_host_koid,omitempty"`
}

func (r *Runner) nodeInfo(n *Node) NodeInfo {
	info := NodeInfo{
		ID:             n.id,
		Moniker:        n.TopoName(),
		DriverURL:      n.DriverURL(),
		DriverHostKoid: r.DriverHostKoid(n.host),
	}
	for _, p := range n.parents {
		info.ParentIDs = append(info.ParentIDs, p.id)
	}
	for _, c := range n.children {
		info.ChildIDs = append(info.ChildIDs, c.id)
	}
	for _, p := range n.properties {
		info.Properties = append(info.Properties, PropertyInfo{Key: p.Key, Value: p.Value.String()})
	}
	return info
}

// NodeInfoIterator pages through a snapshot of the tree taken when it was
// created.
type NodeInfoIterator struct {
	infos  []NodeInfo
	offset int
}

func (r *Runner) NodeInfoIterator() *NodeInfoIterator {
	nodes := r.Nodes()
	infos := make([]NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		infos = append(infos, r.nodeInfo(n))
	}
	return &NodeInfoIterator{infos: infos}
}

// Next returns up to NodeInfoPageSize nodes. An empty page means the
// iterator is exhausted.
func (it *NodeInfoIterator) Next() []NodeInfo {
	page := it.page(it.offset)
	it.offset += len(page)
	return page
}

func (it *NodeInfoIterator) page(start int) []NodeInfo {
	if start >= len(it.infos) {
		return nil
	}
	return it.infos[start:min(start+NodeInfoPageSize, len(it.infos))]
}

// NodeInfoPage returns the page of nodes starting at offset and the offset
// of the next page, or -1 after the last page.
func (r *Runner) NodeInfoPage(offset int) ([]NodeInfo, int) {
	it := r.NodeInfoIterator()
	if offset < 0 {
		offset = 0
	}
	page := it.page(offset)
	next := offset + len(page)
	if len(page) == 0 || next >= len(it.infos) {
		next = -1
	}
	return page, next
}
