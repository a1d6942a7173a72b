// Package graph assembles the per-request authorization graph: virtual key,
// deployment, project, and the weighted connection candidates, each hydrated
// with live usage counters. Graphs are short-lived value snapshots rebuilt
// per request; only the skeleton (without usage) is cached locally.
package graph

import (
	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/entity"
	"github.com/nulpointcorp/llm-relay/internal/usage"
)

type VirtualKeyNode struct {
	Data  entity.VirtualKey
	Usage usage.Stats
}

type DeploymentNode struct {
	Data  entity.Deployment
	Usage usage.Stats
}

type ProjectNode struct {
	Data  entity.Project
	Usage usage.Stats
}

// ConnectionNode carries the connection plus its edge attributes from the
// deployment side.
type ConnectionNode struct {
	Data                   entity.Connection
	ConnectionDeploymentID uuid.UUID
	Weight                 uint16
	Usage                  usage.Stats
}

// Graph is the fully-hydrated per-request snapshot.
type Graph struct {
	VirtualKey  VirtualKeyNode
	Deployment  DeploymentNode
	Project     ProjectNode
	Connections []ConnectionNode
}

// UsageRefs lists the counter-bearing nodes in hydration order: virtual key,
// deployment, project, then connections in candidate order.
func (g *Graph) UsageRefs() []usage.Ref {
	refs := make([]usage.Ref, 0, 3+len(g.Connections))
	refs = append(refs,
		usage.Ref{Resource: usage.ResourceVirtualKey, ID: g.VirtualKey.Data.ID},
		usage.Ref{Resource: usage.ResourceDeployment, ID: g.Deployment.Data.ID},
		usage.Ref{Resource: usage.ResourceProject, ID: g.Project.Data.ID},
	)
	for _, c := range g.Connections {
		refs = append(refs, usage.Ref{Resource: usage.ResourceConnection, ID: c.Data.ID})
	}
	return refs
}

func (g *Graph) applyUsage(stats []usage.Stats) {
	if len(stats) != 3+len(g.Connections) {
		return
	}
	g.VirtualKey.Usage = stats[0]
	g.Deployment.Usage = stats[1]
	g.Project.Usage = stats[2]
	for i := range g.Connections {
		g.Connections[i].Usage = stats[3+i]
	}
}

// clone copies the graph skeleton so cache entries never alias request-local
// state.
func (g *Graph) clone() *Graph {
	out := &Graph{
		VirtualKey: g.VirtualKey,
		Deployment: g.Deployment,
		Project:    g.Project,
	}
	out.Connections = make([]ConnectionNode, len(g.Connections))
	copy(out.Connections, g.Connections)
	return out
}
