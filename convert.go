package drivermgr

import (
	"errors"
	"fmt"

	"github.com/NotrixInc/nx-driver-manager/hostrpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func mapSlice[T, U any](in []T, f func(T) U) []U {
	if in == nil {
		return nil
	}
	out := make([]U, len(in))
	for i, v := range in {
		out[i] = f(v)
	}
	return out
}

func toWireValue(v PropertyValue) hostrpc.PropertyValue {
	return hostrpc.PropertyValue{Kind: v.Kind.String(), Int: v.Int, Str: v.Str, Bool: v.Bool}
}

func fromWireValue(v hostrpc.PropertyValue) PropertyValue {
	out := PropertyValue{Int: v.Int, Str: v.Str, Bool: v.Bool}
	switch v.Kind {
	case hostrpc.KindInt:
		out.Kind = ValueInt
	case hostrpc.KindString:
		out.Kind = ValueString
	case hostrpc.KindBool:
		out.Kind = ValueBool
	case hostrpc.KindEnum:
		out.Kind = ValueEnum
	}
	return out
}

func toWireProperty(p Property) hostrpc.Property {
	return hostrpc.Property{Key: p.Key, Value: toWireValue(p.Value)}
}

func fromWireProperty(p hostrpc.Property) Property {
	return Property{Key: p.Key, Value: fromWireValue(p.Value)}
}

func toWireOffer(o Offer) hostrpc.Offer {
	return hostrpc.Offer{
		Kind:       string(o.Kind),
		SourceName: o.SourceName,
		TargetName: o.TargetName,
		Source:     o.Source,
		Renames:    mapSlice(o.Renames, func(r InstanceRename) hostrpc.InstanceRename { return hostrpc.InstanceRename(r) }),
		Filter:     o.Filter,
	}
}

func fromWireOffer(o hostrpc.Offer) Offer {
	return Offer{
		Kind:       OfferKind(o.Kind),
		SourceName: o.SourceName,
		TargetName: o.TargetName,
		Source:     o.Source,
		Renames:    mapSlice(o.Renames, func(r hostrpc.InstanceRename) InstanceRename { return InstanceRename(r) }),
		Filter:     o.Filter,
	}
}

func toWireSymbol(s Symbol) hostrpc.Symbol   { return hostrpc.Symbol(s) }
func fromWireSymbol(s hostrpc.Symbol) Symbol { return Symbol(s) }
func toWireHandle(h Handle) hostrpc.Handle   { return hostrpc.Handle{Kind: string(h.Kind), Value: h.Value} }
func fromWireHandle(h hostrpc.Handle) Handle { return Handle{Kind: HandleKind(h.Kind), Value: h.Value} }

func fromWireDriver(d hostrpc.DriverInfo) DriverInfo {
	return DriverInfo{URL: d.URL, Name: d.Name, PackageType: PackageType(d.PackageType)}
}

func fromWireComposite(c hostrpc.CompositeMatch) CompositeMatch {
	return CompositeMatch{
		NodeIndex:     c.NodeIndex,
		NumNodes:      c.NumNodes,
		NodeNames:     c.NodeNames,
		CompositeName: c.CompositeName,
		Driver:        fromWireDriver(c.Driver),
	}
}

func fromWireMatch(resp *hostrpc.MatchDriverResponse) MatchResult {
	var res MatchResult
	if resp.Driver != nil {
		d := fromWireDriver(*resp.Driver)
		res.Driver = &d
	}
	if resp.Composite != nil {
		c := fromWireComposite(*resp.Composite)
		res.Composite = &c
	}
	res.DeviceGroup = mapSlice(resp.DeviceGroup, func(m hostrpc.DeviceGroupNodeMatch) DeviceGroupNodeMatch {
		return DeviceGroupNodeMatch{
			Path:      m.Path,
			NodeIndex: m.NodeIndex,
			NumNodes:  m.NumNodes,
			NodeNames: m.NodeNames,
			Composite: fromWireComposite(m.Composite),
		}
	})
	return res
}

func toWireDeviceGroup(spec DeviceGroupSpec) *hostrpc.AddDeviceGroupRequest {
	return &hostrpc.AddDeviceGroupRequest{
		TopologicalPath: spec.TopologicalPath,
		PrimaryIndex:    spec.PrimaryIndex,
		Nodes: mapSlice(spec.Nodes, func(n DeviceGroupNode) hostrpc.DeviceGroupNode {
			return hostrpc.DeviceGroupNode{
				Properties: mapSlice(n.Properties, toWireProperty),
				BindRules: mapSlice(n.BindRules, func(r BindRule) hostrpc.BindRule {
					return hostrpc.BindRule{Key: r.Key, Accept: r.Accept, Values: mapSlice(r.Values, toWireValue)}
				}),
			}
		}),
	}
}

// statusCode maps a sentinel error to the gRPC code reported for it.
func statusCode(err error) codes.Code {
	switch {
	case errors.Is(err, ErrInvalidArgs), errors.Is(err, ErrMissingArgs), errors.Is(err, ErrEmptyNodes),
		errors.Is(err, ErrNameInvalid), errors.Is(err, ErrOfferSourceNameMissing),
		errors.Is(err, ErrOfferRefExists), errors.Is(err, ErrSymbolError):
		return codes.InvalidArgument
	case errors.Is(err, ErrOutOfRange):
		return codes.OutOfRange
	case errors.Is(err, ErrNameAlreadyExists), errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrAlreadyBound):
		return codes.AlreadyExists
	case errors.Is(err, ErrNodeRemoved):
		return codes.FailedPrecondition
	case errors.Is(err, ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrNoDriverHost):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(statusCode(err), err.Error())
}

// fromStatus wraps the sentinel matching a gRPC error's code, so callers
// can use errors.Is on errors from remote collaborators.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		sentinel = ErrNotFound
	case codes.Unavailable, codes.Canceled:
		sentinel = ErrUnavailable
	case codes.InvalidArgument:
		sentinel = ErrInvalidArgs
	case codes.AlreadyExists:
		sentinel = ErrAlreadyExists
	default:
		return err
	}
	return fmt.Errorf("%s: %w", st.Message(), sentinel)
}
