package modlife

import "sort"

// topoSort returns declarations in dependency order (Kahn's algorithm).
// Modules participating in a cycle are returned separately, sorted by
// name for determinism, rather than included in order.
func topoSort(declarations []Declaration) (order []string, cyclic []string, err error) {
	indegree := make(map[string]int, len(declarations))
	dependents := make(map[string][]string)
	known := make(map[string]bool, len(declarations))

	for _, d := range declarations {
		known[d.Name] = true
		if _, ok := indegree[d.Name]; !ok {
			indegree[d.Name] = 0
		}
	}
	for _, d := range declarations {
		for _, dep := range d.Dependencies {
			if !known[dep] {
				// Undeclared dependency: treat as always-unsatisfied so
				// the dependent cascade-fails rather than panics.
				indegree[d.Name]++
				continue
			}
			indegree[d.Name]++
			dependents[dep] = append(dependents[dep], d.Name)
		}
	}

	var queue []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	visited := make(map[string]bool, len(declarations))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}
		visited[name] = true
		order = append(order, name)

		var next []string
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				next = append(next, dependent)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
		sort.Strings(queue)
	}

	for _, d := range declarations {
		if !visited[d.Name] {
			cyclic = append(cyclic, d.Name)
		}
	}
	sort.Strings(cyclic)

	return order, cyclic, nil
}
