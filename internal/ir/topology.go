package ir

import "fmt"

// ComponentKind is the distribution shape of a parallel component.
type ComponentKind int

const (
	// KindSingleton is a single instance placed on one process.
	KindSingleton ComponentKind = iota + 1
	// KindArray is an indexed collection of elements placed by an allocator.
	KindArray
	// KindGroup has exactly one instance per process.
	KindGroup
	// KindNodeGroup has exactly one instance per node.
	KindNodeGroup
)

// String returns the kind name.
func (k ComponentKind) String() string {
	switch k {
	case KindSingleton:
		return "Singleton"
	case KindArray:
		return "Array"
	case KindGroup:
		return "Group"
	case KindNodeGroup:
		return "NodeGroup"
	default:
		return fmt.Sprintf("ComponentKind(%d)", int(k))
	}
}

// ParseComponentKind is the inverse of ComponentKind.String.
func ParseComponentKind(s string) (ComponentKind, error) {
	for _, k := range []ComponentKind{KindSingleton, KindArray, KindGroup, KindNodeGroup} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown component kind %q", s)
}

// ElementIndex identifies one instance within a component. Singletons use 0,
// groups use the process number and node groups use the node number.
type ElementIndex int

// Topology is the hardware shape of a run: Nodes nodes with ProcsPerNode
// logical processes each. Processes are numbered node-major.
type Topology struct {
	Nodes        int `json:"nodes" yaml:"nodes" mapstructure:"nodes"`
	ProcsPerNode int `json:"procs_per_node" yaml:"procs_per_node" mapstructure:"procs_per_node"`
}

// Validate rejects empty topologies.
func (t Topology) Validate() error {
	if t.Nodes < 1 {
		return &UserError{Message: fmt.Sprintf("number of nodes must be positive, got %d", t.Nodes)}
	}
	if t.ProcsPerNode < 1 {
		return &UserError{Message: fmt.Sprintf("number of processes per node must be positive, got %d", t.ProcsPerNode)}
	}
	return nil
}

// NumberOfProcs returns the total process count.
func (t Topology) NumberOfProcs() int {
	return t.Nodes * t.ProcsPerNode
}

// NodeOf returns the node hosting proc.
func (t Topology) NodeOf(proc int) int {
	return proc / t.ProcsPerNode
}

// FirstProcOnNode returns the lowest-numbered process of node.
func (t Topology) FirstProcOnNode(node int) int {
	return node * t.ProcsPerNode
}

// ProcsOnNode returns the process count of node. Every node has the same
// number of processes.
func (t Topology) ProcsOnNode(node int) int {
	return t.ProcsPerNode
}

// LocalRankOf returns proc's rank within its node.
func (t Topology) LocalRankOf(proc int) int {
	return proc % t.ProcsPerNode
}

// String renders the topology as "2x3" (nodes x procs per node).
func (t Topology) String() string {
	return fmt.Sprintf("%dx%d", t.Nodes, t.ProcsPerNode)
}
