package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	drivermgr "github.com/NotrixInc/nx-driver-manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const audioTopology = `
device_group "/dev/sys/platform/audio" {
  primary = 1

  node {
    accept = {
      proto = "enum:usb.AUDIO"
      bus   = [1, 2]
    }
    reject = {
      disabled = true
    }
  }

  node {
    accept     = { name = "dai" }
    properties = { vendor = 4660, label = "dai" }
  }
}

composite "sensor" {
  primary    = "gpio"
  properties = { kind = "enum:sensor.TEMP" }

  fragment "i2c" {
    instruction {
      op        = "abort"
      condition = "ne"
      key       = "bus"
      value     = 1
    }
    instruction {
      op = "match"
    }
  }

  fragment "gpio" {
    instruction {
      op        = "match"
      condition = "eq"
      key       = "bus"
      value     = 2
    }
  }
}
`

func TestParseTopology(t *testing.T) {
	topo, err := ParseTopology([]byte(audioTopology), "audio.hcl")
	require.NoError(t, err)

	require.Len(t, topo.DeviceGroups, 1)
	assert.Equal(t, drivermgr.DeviceGroupSpec{
		TopologicalPath: "/dev/sys/platform/audio",
		PrimaryIndex:    1,
		Nodes: []drivermgr.DeviceGroupNode{
			{
				BindRules: []drivermgr.BindRule{
					{Key: "bus", Accept: true, Values: []drivermgr.PropertyValue{drivermgr.IntValue(1), drivermgr.IntValue(2)}},
					{Key: "proto", Accept: true, Values: []drivermgr.PropertyValue{drivermgr.EnumValue("usb.AUDIO")}},
					{Key: "disabled", Accept: false, Values: []drivermgr.PropertyValue{drivermgr.BoolValue(true)}},
				},
			},
			{
				BindRules: []drivermgr.BindRule{
					{Key: "name", Accept: true, Values: []drivermgr.PropertyValue{drivermgr.StringValue("dai")}},
				},
				Properties: []drivermgr.Property{
					{Key: "label", Value: drivermgr.StringValue("dai")},
					{Key: "vendor", Value: drivermgr.IntValue(4660)},
				},
			},
		},
	}, topo.DeviceGroups[0])

	require.Len(t, topo.Composites, 1)
	assert.Equal(t, drivermgr.CompositeDeviceSpec{
		Name:            "sensor",
		Properties:      []drivermgr.Property{{Key: "kind", Value: drivermgr.EnumValue("sensor.TEMP")}},
		PrimaryFragment: "gpio",
		Fragments: []drivermgr.FragmentSpec{
			{Name: "i2c", Program: []drivermgr.BindInstruction{
				{Op: drivermgr.BindOpAbort, Condition: drivermgr.CondNotEqual, Key: "bus", Value: 1},
				{Op: drivermgr.BindOpMatch, Condition: drivermgr.CondAlways},
			}},
			{Name: "gpio", Program: []drivermgr.BindInstruction{
				{Op: drivermgr.BindOpMatch, Condition: drivermgr.CondEqual, Key: "bus", Value: 2},
			}},
		},
	}, topo.Composites[0])
}

func hclLines(lines ...string) string { return strings.Join(lines, "\n") + "\n" }

func TestParseTopologyErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		is   error
		want string
	}{
		{
			name: "syntax",
			src:  `device_group "/x" {`,
			want: "failed to parse HCL file",
		},
		{
			name: "primary out of range",
			src:  hclLines(`device_group "/x" {`, `  primary = 2`, `  node {}`, `}`),
			is:   drivermgr.ErrOutOfRange,
		},
		{
			name: "no nodes",
			src:  hclLines(`device_group "/x" {}`),
			is:   drivermgr.ErrEmptyNodes,
		},
		{
			name: "fractional value",
			src:  hclLines(`device_group "/x" {`, `  node {`, `    properties = { ratio = 1.5 }`, `  }`, `}`),
			want: "not a whole number",
		},
		{
			name: "negative value",
			src:  hclLines(`device_group "/x" {`, `  node {`, `    accept = { bus = -1 }`, `  }`, `}`),
			want: "does not fit in 32 bits",
		},
		{
			name: "unknown primary fragment",
			src:  hclLines(`composite "c" {`, `  primary = "spi"`, `  fragment "i2c" {}`, `}`),
			want: `primary fragment "spi" not declared`,
		},
		{
			name: "duplicate path",
			src:  hclLines(`device_group "/x" {`, `  node {}`, `}`, `device_group "/x" {`, `  node {}`, `}`),
			want: "declared twice",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTopology([]byte(tt.src), "bad.hcl")
			require.Error(t, err)
			if tt.is != nil {
				assert.True(t, errors.Is(err, tt.is), err.Error())
			}
			if tt.want != "" {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}
}

func TestLoadTopology(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "boards"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audio.hcl"), []byte(audioTopology), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "boards", "i2c.HCL"), []byte(`
device_group "/dev/sys/platform/i2c" {
  node {
    accept = { bus = 0 }
  }
}
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not hcl"), 0o600))

	topo, err := LoadTopology(dir)
	require.NoError(t, err)
	require.Len(t, topo.DeviceGroups, 2)
	assert.Equal(t, "/dev/sys/platform/audio", topo.DeviceGroups[0].TopologicalPath)
	assert.Equal(t, "/dev/sys/platform/i2c", topo.DeviceGroups[1].TopologicalPath)
	assert.Len(t, topo.Composites, 1)

	dup := filepath.Join(t.TempDir(), "dup.hcl")
	require.NoError(t, os.WriteFile(dup, []byte(audioTopology), 0o600))
	_, err = LoadTopology(dir, dup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declared twice")

	_, err = LoadTopology(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
