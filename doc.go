// Package drivermgr binds device nodes to drivers.
//
// Nodes form a DAG rooted at the Runner's root node. A node is matched
// against the driver index when it is added; the match names either a
// driver for the node itself, a url composite the node is one parent of,
// or the device groups it belongs to. Composites are created once every
// parent is present and are children of all of them.
//
// Host-side contract notes:
//
// A matched driver is launched in two steps. The runner asks the realm to
// create a driver component, passing a START_TOKEN handle. When that
// component starts, the component framework calls DriverRunner.Start with
// the same token, and the runner starts the driver in a driver host,
// creating a new host unless the driver's program asks to be colocated
// with its parent.
//
// A driver host serves hostrpc.DriverHostServer. Start returns an id for
// the running driver; AwaitStop on that id must block until the driver
// exits, which is how the runner learns a driver has gone away.
//
// Drivers publish their own child nodes through hostrpc.NodeServer using
// the node id they were started with.
//
// Every method of Node and Runner must be called on the dispatcher loop.
package drivermgr
