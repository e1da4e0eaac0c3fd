package drivermgr

import "errors"

// Argument errors are returned synchronously and never retried.
var (
	ErrMissingArgs            = errors.New("missing arguments")
	ErrEmptyNodes             = errors.New("device group has no nodes")
	ErrNameInvalid            = errors.New("invalid node name")
	ErrNameAlreadyExists      = errors.New("node name already exists")
	ErrOutOfRange             = errors.New("node index out of range")
	ErrInvalidArgs            = errors.New("invalid arguments")
	ErrAlreadyExists          = errors.New("already exists")
	ErrAlreadyBound           = errors.New("node index already bound")
	ErrNodeRemoved            = errors.New("node is being removed")
	ErrOfferSourceNameMissing = errors.New("offer is missing a source name")
	ErrOfferRefExists         = errors.New("offer already has a source ref")
	ErrSymbolError            = errors.New("invalid symbol")
)

var (
	// ErrNotFound is returned by the index when nothing matches. Nodes that
	// fail to match are orphaned and retried in bulk.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable is returned when the target of a request has gone away.
	ErrUnavailable = errors.New("unavailable")
	// ErrNoDriverHost is returned when a colocated driver's parent has no host.
	ErrNoDriverHost = errors.New("parent has no driver host")
)
