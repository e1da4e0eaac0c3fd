package drivermgr

import "fmt"

type BindOp string

const (
	BindOpMatch BindOp = "match"
	BindOpAbort BindOp = "abort"
)

type BindCondition string

const (
	CondAlways       BindCondition = "always"
	CondEqual        BindCondition = "eq"
	CondNotEqual     BindCondition = "ne"
	CondGreater      BindCondition = "gt"
	CondLess         BindCondition = "lt"
	CondGreaterEqual BindCondition = "ge"
	CondLessEqual    BindCondition = "le"
)

// BindInstruction is one step of a fragment's bind program. The first
// instruction whose condition holds decides the outcome.
type BindInstruction struct {
	Op        BindOp        `json:"op"`
	Condition BindCondition `json:"condition"`
	Key       string        `json:"key,omitempty"`
	Value     uint32        `json:"value,omitempty"`
}

func (i BindInstruction) validate() error {
	switch i.Op {
	case BindOpMatch, BindOpAbort:
	default:
		return fmt.Errorf("unknown bind op %q: %w", i.Op, ErrInvalidArgs)
	}
	switch i.Condition {
	case CondAlways:
		return nil
	case CondEqual, CondNotEqual, CondGreater, CondLess, CondGreaterEqual, CondLessEqual:
		if i.Key == "" {
			return fmt.Errorf("bind condition %s without key: %w", i.Condition, ErrInvalidArgs)
		}
		return nil
	default:
		return fmt.Errorf("unknown bind condition %q: %w", i.Condition, ErrInvalidArgs)
	}
}

func (i BindInstruction) holds(props []Property) bool {
	if i.Condition == CondAlways {
		return true
	}
	v, ok := Lookup(props, i.Key)
	if !ok || v.Kind != ValueInt {
		return i.Condition == CondNotEqual
	}
	switch i.Condition {
	case CondEqual:
		return v.Int == i.Value
	case CondNotEqual:
		return v.Int != i.Value
	case CondGreater:
		return v.Int > i.Value
	case CondLess:
		return v.Int < i.Value
	case CondGreaterEqual:
		return v.Int >= i.Value
	case CondLessEqual:
		return v.Int <= i.Value
	}
	return false
}

// EvaluateBindProgram runs program against a node's int-valued properties.
// Running off the end of the program is a mismatch.
func EvaluateBindProgram(program []BindInstruction, props []Property) bool {
	for _, inst := range program {
		if !inst.holds(props) {
			continue
		}
		return inst.Op == BindOpMatch
	}
	return false
}
