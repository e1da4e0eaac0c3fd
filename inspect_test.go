package drivermgr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addLeaves(t *testing.T, parent *Node, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		_, err := parent.AddChild(AddChildArgs{Name: fmt.Sprintf("n%d", i)})
		require.NoError(t, err)
	}
}

func TestNodeInfoPage(t *testing.T) {
	e := newTestEnv(t)
	root := e.runner.Root()
	addLeaves(t, root, 60)

	page, next := e.runner.NodeInfoPage(0)
	require.Len(t, page, NodeInfoPageSize)
	assert.Equal(t, NodeInfoPageSize, next)
	assert.Equal(t, root.ID(), page[0].ID)
	assert.Equal(t, "dev", page[0].Moniker)
	assert.Len(t, page[0].ChildIDs, 60)

	page, next = e.runner.NodeInfoPage(next)
	assert.Len(t, page, 11)
	assert.Equal(t, -1, next)

	page, next = e.runner.NodeInfoPage(500)
	assert.Empty(t, page)
	assert.Equal(t, -1, next)
}

func TestNodeInfoIterator(t *testing.T) {
	e := newTestEnv(t)
	addLeaves(t, e.runner.Root(), NodeInfoPageSize)

	it := e.runner.NodeInfoIterator()
	assert.Len(t, it.Next(), NodeInfoPageSize)
	assert.Len(t, it.Next(), 1)
	assert.Empty(t, it.Next())
}

func TestNodeInfoDescribesBoundNodes(t *testing.T) {
	e := newTestEnv(t)
	e.index.setDriver("pci", "boot://pci")
	n, err := e.runner.Root().AddChild(AddChildArgs{
		Name:       "pci",
		Properties: []Property{{Key: "vendor", Value: IntValue(0x8086)}, {Key: "label", Value: StringValue("bridge")}},
		Bind:       true,
	})
	require.NoError(t, err)
	e.loop.RunUntilIdle()
	e.start(t, n, nil)

	info := e.runner.nodeInfo(n)
	assert.Equal(t, "dev.pci", info.Moniker)
	assert.Equal(t, "boot://pci", info.DriverURL)
	assert.Equal(t, []uint64{e.runner.Root().ID()}, info.ParentIDs)
	assert.Equal(t, uint64(1000), info.DriverHostKoid)
	assert.Equal(t, []PropertyInfo{{Key: "vendor", Value: "32902"}, {Key: "label", Value: `"bridge"`}}, info.Properties)
}

func TestInspectHandler(t *testing.T) {
	e := newTestEnv(t)
	root := e.runner.Root()
	orphan := e.addChild(t, root, "usb")
	require.Equal(t, []*Node{orphan}, e.runner.Orphans())
	h := NewInspectHandler(InspectHandlerConfig{Runner: e.runner, Loop: e.loop})

	t.Run("lists nodes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nodes", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var page NodesPage
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
		assert.Len(t, page.Nodes, 2)
		assert.Equal(t, -1, page.NextOffset)
	})

	t.Run("rejects a bad offset", func(t *testing.T) {
		for _, q := range []string{"x", "-3"} {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nodes?offset="+q, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		}
	})

	t.Run("binds orphans", func(t *testing.T) {
		e.index.setDriver("usb", "boot://usb")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/orphans/bind", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp OrphanBindResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, []BindResult{{NodeName: "usb", DriverURL: "boot://usb"}}, resp.Bound)
		assert.Empty(t, e.runner.Orphans())
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/orphans/bind", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestInspectClient(t *testing.T) {
	e := newTestEnv(t)
	addLeaves(t, e.runner.Root(), 70)
	srv := httptest.NewServer(NewInspectHandler(InspectHandlerConfig{Runner: e.runner, Loop: e.loop}))
	defer srv.Close()

	c := NewInspectClient(InspectClientConfig{BaseURL: srv.URL + "/", HTTPClient: srv.Client()})
	nodes, err := c.ListNodes(context.Background())
	require.NoError(t, err)
	assert.Len(t, nodes, 71)
	assert.Equal(t, "dev", nodes[0].Moniker)
	assert.Equal(t, "dev.n69", nodes[70].Moniker)
}

func TestInspectClientReportsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewInspectClient(InspectClientConfig{BaseURL: srv.URL})
	_, err := c.BindOrphans(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "overloaded")
}
