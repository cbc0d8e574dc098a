package resolver

import "sort"

const (
	colorWhite = iota
	colorGray
	colorBlack
)

// DetectCycle walks the graph depth-first keeping the in-progress path as a
// visiting set. Re-entering a node already on the path is a cycle; the
// returned slice is the cycle with the entry node repeated at the end, for
// example ["a", "b", "c", "a"]. Returns nil when the graph is acyclic.
func DetectCycle(g *Graph) []string {
	color := make(map[string]int, g.NodeCount())
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = colorGray
		path = append(path, id)

		deps := append([]string(nil), g.Dependencies(id)...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case colorGray:
				for i, p := range path {
					if p == dep {
						cycle = append(append([]string(nil), path[i:]...), dep)
						return true
					}
				}
			case colorWhite:
				if visit(dep) {
					return true
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = colorBlack
		return false
	}

	for _, node := range g.Nodes() {
		if color[node.ModuleID] == colorWhite {
			if visit(node.ModuleID) {
				return cycle
			}
		}
	}
	return nil
}
