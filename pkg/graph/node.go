// Package graph builds and orders the dependency graph of resource
// instances. Nodes are count-expanded instances keyed by their address
// string; edges point from dependents to the instances they consume.
package graph

import (
	"github.com/groundctl/groundctl/pkg/addrs"
	"github.com/groundctl/groundctl/pkg/config"
)

// Node is one resource instance in the dependency graph.
type Node struct {
	// ID is the instance address string, unique within the graph.
	ID string

	// Addr is the expanded instance address.
	Addr addrs.Instance

	// Config is the declaration the instance was expanded from.
	Config *config.Resource

	// DependsOn holds IDs of nodes this node consumes.
	DependsOn []string

	// DependedOnBy holds IDs of nodes consuming this node.
	DependedOnBy []string
}

// NewNode creates a node for one resource instance.
func NewNode(addr addrs.Instance, rc *config.Resource) *Node {
	return &Node{
		ID:     addr.String(),
		Addr:   addr,
		Config: rc,
	}
}

// AddDependency records a dependency edge, ignoring duplicates.
func (n *Node) AddDependency(nodeID string) {
	for _, dep := range n.DependsOn {
		if dep == nodeID {
			return
		}
	}
	n.DependsOn = append(n.DependsOn, nodeID)
}

// AddDependent records the reverse edge, ignoring duplicates.
func (n *Node) AddDependent(nodeID string) {
	for _, dep := range n.DependedOnBy {
		if dep == nodeID {
			return
		}
	}
	n.DependedOnBy = append(n.DependedOnBy, nodeID)
}
