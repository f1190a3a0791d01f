package dependency

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/valyala/bytebufferpool"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

type Format string

const (
	FormatDOT      Format = "dot"
	FormatJSON     Format = "json"
	FormatMermaid  Format = "mermaid"
	FormatPlantUML Format = "plantuml"
)

const (
	deepChainThreshold = 10
	highFanInThreshold = 20
)

type jsonGraph struct {
	Nodes []string   `json:"nodes"`
	Edges []jsonEdge `json:"edges"`
}

type jsonEdge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Optional bool   `json:"optional"`
}

// Visualize renders the graph. Edges point from an instance to what it depends on.
func (r *Resolver) Visualize(format Format) (string, error) {
	nodes := r.snapshot()
	ids := sortedKeys(nodes)

	if format == FormatJSON {
		graph := jsonGraph{Nodes: ids, Edges: []jsonEdge{}}
		for _, id := range ids {
			for _, edge := range nodes[id] {
				graph.Edges = append(graph.Edges, jsonEdge{From: id, To: edge.Target, Optional: edge.Optional})
			}
		}
		data, err := json.MarshalIndent(graph, "", "  ")
		if err != nil {
			return "", errors.NewInternalError("failed to render dependency graph", err)
		}
		return string(data), nil
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	switch format {
	case FormatDOT:
		buf.WriteString("digraph dependencies {\n")
		for _, id := range ids {
			fmt.Fprintf(buf, "  %q;\n", id)
		}
		for _, id := range ids {
			for _, edge := range nodes[id] {
				if edge.Optional {
					fmt.Fprintf(buf, "  %q -> %q [style=dashed];\n", id, edge.Target)
				} else {
					fmt.Fprintf(buf, "  %q -> %q;\n", id, edge.Target)
				}
			}
		}
		buf.WriteString("}\n")

	case FormatMermaid:
		buf.WriteString("graph TD\n")
		for _, id := range ids {
			fmt.Fprintf(buf, "  %s[\"%s\"]\n", mermaidID(id), id)
		}
		for _, id := range ids {
			for _, edge := range nodes[id] {
				arrow := "-->"
				if edge.Optional {
					arrow = "-.->"
				}
				fmt.Fprintf(buf, "  %s %s %s\n", mermaidID(id), arrow, mermaidID(edge.Target))
			}
		}

	case FormatPlantUML:
		buf.WriteString("@startuml\n")
		for _, id := range ids {
			fmt.Fprintf(buf, "component [%s]\n", id)
		}
		for _, id := range ids {
			for _, edge := range nodes[id] {
				arrow := "-->"
				if edge.Optional {
					arrow = "..>"
				}
				fmt.Fprintf(buf, "[%s] %s [%s]\n", id, arrow, edge.Target)
			}
		}
		buf.WriteString("@enduml\n")

	default:
		return "", errors.NewValidationError(fmt.Sprintf("unsupported visualization format: %s", format), nil)
	}

	return buf.String(), nil
}

func mermaidID(id string) string {
	return strings.NewReplacer("-", "_", ".", "_", ":", "_", " ", "_").Replace(id)
}

// Analytics describes the shape of the dependency graph
type Analytics struct {
	NodeCount           int                 `json:"node_count" yaml:"node_count"`
	EdgeCount           int                 `json:"edge_count" yaml:"edge_count"`
	OptionalEdgeCount   int                 `json:"optional_edge_count" yaml:"optional_edge_count"`
	MaxDepth            int                 `json:"max_depth" yaml:"max_depth"`
	RootNodes           []string            `json:"root_nodes" yaml:"root_nodes"`
	LeafNodes           []string            `json:"leaf_nodes" yaml:"leaf_nodes"`
	MissingDependencies map[string][]string `json:"missing_dependencies,omitempty" yaml:"missing_dependencies,omitempty"`
	Warnings            []string            `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Analytics computes counts, chain depth and missing required dependencies.
// Root nodes have no dependents; leaf nodes have no dependencies.
func (r *Resolver) Analytics() Analytics {
	nodes := r.snapshot()
	ids := sortedKeys(nodes)

	analytics := Analytics{
		NodeCount:           len(ids),
		MissingDependencies: make(map[string][]string),
	}

	fanIn := make(map[string]int)
	for _, id := range ids {
		edges := nodes[id]
		if len(edges) == 0 {
			analytics.LeafNodes = append(analytics.LeafNodes, id)
		}
		for _, edge := range edges {
			analytics.EdgeCount++
			if edge.Optional {
				analytics.OptionalEdgeCount++
			}
			if _, exists := nodes[edge.Target]; !exists {
				if !edge.Optional {
					analytics.MissingDependencies[id] = append(analytics.MissingDependencies[id], edge.Target)
				}
				continue
			}
			fanIn[edge.Target]++
		}
	}

	for _, id := range ids {
		if fanIn[id] == 0 {
			analytics.RootNodes = append(analytics.RootNodes, id)
		}
		if fanIn[id] > highFanInThreshold {
			analytics.Warnings = append(analytics.Warnings,
				fmt.Sprintf("instance %s has high fan-in: %d dependents", id, fanIn[id]))
		}
	}

	// Post-order guarantees dependencies are measured first
	order, err := topoSort(mapEdges(nodes), ids, false)
	if err == nil {
		depth := make(map[string]int, len(order))
		for _, id := range order {
			d := 0
			for _, edge := range nodes[id] {
				if td, ok := depth[edge.Target]; ok && td+1 > d {
					d = td + 1
				}
			}
			depth[id] = d
			if d > analytics.MaxDepth {
				analytics.MaxDepth = d
			}
			if d > deepChainThreshold {
				analytics.Warnings = append(analytics.Warnings,
					fmt.Sprintf("instance %s has a deep dependency chain: %d levels", id, d))
			}
		}
	}

	sort.Strings(analytics.Warnings)
	return analytics
}
