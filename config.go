package drivermgr

import (
	"encoding/json"
	"fmt"
)

// ProgramConfig is the opaque program section of a driver's component
// manifest, passed through to the driver host.
type ProgramConfig struct {
	raw json.RawMessage
}

func NewProgramConfig(raw []byte) ProgramConfig { return ProgramConfig{raw: raw} }

// ProgramFromMap encodes entries as a program section.
func ProgramFromMap(entries map[string]string) ProgramConfig {
	b, _ := json.Marshal(entries)
	return ProgramConfig{raw: b}
}

func (c ProgramConfig) Raw() []byte { return c.raw }

func (c ProgramConfig) Decode(v any) error {
	if len(c.raw) == 0 {
		return fmt.Errorf("empty program")
	}
	return json.Unmarshal(c.raw, v)
}

// Entry returns the string value of a top level program entry.
func (c ProgramConfig) Entry(key string) (string, bool) {
	var m map[string]json.RawMessage
	if err := c.Decode(&m); err != nil {
		return "", false
	}
	raw, ok := m[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Colocate reports whether the driver asks to share its parent's driver host.
func (c ProgramConfig) Colocate() bool {
	v, _ := c.Entry("colocate")
	return v == "true"
}

// Binary is the path of the driver's shared library inside its package.
func (c ProgramConfig) Binary() string {
	v, _ := c.Entry("binary")
	return v
}
