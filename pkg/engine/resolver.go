package engine

import (
	"fmt"
	"sort"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
)

// Resolve computes the execution order for the requested resources. The
// order includes the transitive dependency closure of the request, honors
// both explicit dependencies and clone-source edges, and breaks ties by
// ascending identifier so runs are reproducible. A dependency cycle is a
// configuration error reported before any side effect.
func Resolve(specs map[int]*config.ResourceSpec, requested []int) ([]int, error) {
	if len(requested) == 0 {
		return nil, nil
	}

	// Expand to the dependency closure of the request.
	included := make(map[int]bool)
	queue := append([]int(nil), requested...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if included[id] {
			continue
		}
		spec, ok := specs[id]
		if !ok {
			return nil, NewConfigError(fmt.Sprintf("resource %d is not declared", id), nil)
		}
		included[id] = true
		queue = append(queue, dependenciesOf(spec)...)
	}

	// Kahn's algorithm over the closure, smallest identifier first.
	inDegree := make(map[int]int, len(included))
	dependents := make(map[int][]int, len(included))
	for id := range included {
		inDegree[id] = 0
	}
	for id := range included {
		for _, dep := range dependenciesOf(specs[id]) {
			dependents[dep] = append(dependents[dep], id)
			inDegree[id]++
		}
	}

	var ready []int
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]int, 0, len(included))
	for len(ready) > 0 {
		sort.Ints(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(included) {
		var cyclic []int
		for id := range included {
			if inDegree[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Ints(cyclic)
		return nil, NewConfigError(fmt.Sprintf("dependency cycle involving resources %v", cyclic), nil)
	}

	return order, nil
}

// dependenciesOf returns the identifiers that must converge before spec.
// A clone source is an implicit dependency: the clone cannot be defined
// until its source exists.
func dependenciesOf(spec *config.ResourceSpec) []int {
	deps := append([]int(nil), spec.DependsOn...)
	if spec.CloneFrom != nil {
		found := false
		for _, d := range deps {
			if d == *spec.CloneFrom {
				found = true
				break
			}
		}
		if !found {
			deps = append(deps, *spec.CloneFrom)
		}
	}
	return deps
}
