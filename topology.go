package nnfx

import (
	"fmt"
	"strings"
)

// Topology identifies the set of named inputs and outputs a model graph
// expects.
type Topology int

const (
	// TopologySingle is one 3-channel content image producing a 3-channel result.
	TopologySingle Topology = iota

	// TopologyContentStyle is a 3-channel content image and a 3-channel
	// style image producing a 3-channel result.
	TopologyContentStyle

	// TopologyTemporal is a 6-channel tensor holding the current frame
	// followed by the previous output, producing a 3-channel result.
	TopologyTemporal

	// TopologyTemporalFlow is the temporal input producing color in
	// channels 0..2 and flow in channels 3..5.
	TopologyTemporalFlow

	// TopologyStyleTemporal combines the temporal input with a 3-channel
	// style image and produces color and flow.
	TopologyStyleTemporal

	topologyCount
)

var topologyTags = [topologyCount]string{
	TopologySingle:        "single",
	TopologyContentStyle:  "content-style",
	TopologyTemporal:      "temporal",
	TopologyTemporalFlow:  "temporal-flow",
	TopologyStyleTemporal: "style-temporal",
}

// String returns the topology tag.
func (t Topology) String() string {
	if t >= 0 && t < topologyCount {
		return topologyTags[t]
	}
	return fmt.Sprintf("Unknown(%d)", int(t))
}

// ParseTopology parses a topology tag. Matching is case-insensitive and
// accepts underscores in place of hyphens.
func ParseTopology(s string) (Topology, error) {
	tag := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for t, name := range topologyTags {
		if name == tag {
			return Topology(t), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTopology, s)
}

// Topologies returns every supported topology in tag order.
func Topologies() []Topology {
	out := make([]Topology, topologyCount)
	for i := range out {
		out[i] = Topology(i)
	}
	return out
}

// HasStyle reports whether the topology binds a style input.
func (t Topology) HasStyle() bool {
	return t == TopologyContentStyle || t == TopologyStyleTemporal
}

// MarshalText implements encoding.TextMarshaler.
func (t Topology) MarshalText() ([]byte, error) {
	if t < 0 || t >= topologyCount {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTopology, int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Topology) UnmarshalText(text []byte) error {
	v, err := ParseTopology(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Role names an input slot of a runner.
type Role int

const (
	// RoleContent is the scene color input, merged with history for
	// temporal topologies.
	RoleContent Role = iota

	// RoleStyle is the style image input.
	RoleStyle
)

// String returns the role's default tensor name.
func (r Role) String() string {
	switch r {
	case RoleContent:
		return "content"
	case RoleStyle:
		return "style"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}
