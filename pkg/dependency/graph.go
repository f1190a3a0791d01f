package dependency

import (
	"fmt"
	"strings"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

// Edge is a depends-on relation from an instance to Target
type Edge struct {
	Target   string `json:"target" yaml:"target"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

type color int

const (
	white color = iota // unvisited
	gray               // in progress
	black              // done
)

// edgesFunc returns the outgoing edges of a node and whether it exists
type edgesFunc func(id string) ([]Edge, bool)

type frame struct {
	id   string
	next int
}

// topoSort runs a three-color depth-first traversal from each root in turn,
// appending nodes in post-order. With strict set, a missing required target
// fails the sort; otherwise missing targets are skipped. The node reported on a
// cycle is the first in-progress node reached again, as a recursive traversal
// would report.
func topoSort(edges edgesFunc, roots []string, strict bool) ([]string, error) {
	colors := make(map[string]color)
	order := make([]string, 0, len(roots))

	for _, root := range roots {
		if colors[root] == black {
			continue
		}
		if _, exists := edges(root); !exists {
			return nil, errors.NewNotFoundError("instance not found in dependency graph", nil).WithContext("instance_id", root)
		}

		colors[root] = gray
		stack := []frame{{id: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps, _ := edges(top.id)

			if top.next < len(deps) {
				edge := deps[top.next]
				top.next++

				if _, exists := edges(edge.Target); !exists {
					if edge.Optional || !strict {
						continue
					}
					return nil, errors.NewDependencyNotSatisfiedError(
						fmt.Sprintf("required dependency %s of %s is not registered", edge.Target, top.id), nil,
					).WithContext("instance_id", top.id).WithContext("dependency", edge.Target)
				}

				switch colors[edge.Target] {
				case gray:
					return nil, cycleError(stack, edge.Target)
				case white:
					colors[edge.Target] = gray
					stack = append(stack, frame{id: edge.Target})
				}
				continue
			}

			colors[top.id] = black
			order = append(order, top.id)
			stack = stack[:len(stack)-1]
		}
	}

	return order, nil
}

func cycleError(stack []frame, node string) error {
	path := []string{}
	for i := len(stack) - 1; i >= 0; i-- {
		path = append([]string{stack[i].id}, path...)
		if stack[i].id == node {
			break
		}
	}
	path = append(path, node)

	return errors.NewCircularDependencyError(
		fmt.Sprintf("circular dependency detected at %s", node), nil,
	).WithContext("instance_id", node).WithContext("cycle", strings.Join(path, " -> "))
}

// TopologicalOrder orders the keys of deps so that every node follows the nodes
// it lists. Keys are visited in the order given by keys; targets that are not
// keys are ignored.
func TopologicalOrder(keys []string, deps map[string][]string) ([]string, error) {
	edges := func(id string) ([]Edge, bool) {
		targets, exists := deps[id]
		if !exists {
			return nil, false
		}
		result := make([]Edge, len(targets))
		for i, target := range targets {
			result[i] = Edge{Target: target}
		}
		return result, true
	}
	return topoSort(edges, keys, false)
}

// Levels partitions the keys of deps into waves: every node lands in a later
// wave than the nodes it lists.
func Levels(keys []string, deps map[string][]string) ([][]string, error) {
	order, err := TopologicalOrder(keys, deps)
	if err != nil {
		return nil, err
	}
	edges := func(id string) ([]Edge, bool) {
		targets, exists := deps[id]
		result := make([]Edge, len(targets))
		for i, target := range targets {
			result[i] = Edge{Target: target}
		}
		return result, exists
	}
	return levels(order, edges), nil
}

// levels groups an already sorted order into startup levels: a node's level is
// one more than the highest level among its present dependencies.
func levels(order []string, edges edgesFunc) [][]string {
	level := make(map[string]int, len(order))
	var result [][]string

	for _, id := range order {
		l := 0
		deps, _ := edges(id)
		for _, edge := range deps {
			if dl, ok := level[edge.Target]; ok && dl+1 > l {
				l = dl + 1
			}
		}
		level[id] = l
		for len(result) <= l {
			result = append(result, nil)
		}
		result[l] = append(result[l], id)
	}
	return result
}
