package orchestration

// workflowGraph is the engine's one-shot view of a workflow: adjacency in
// deterministic edge order plus the authoring position of every step. It is
// built per Validate/Plan call and never mutated afterwards.
type workflowGraph struct {
	workflow  *Workflow
	position  map[string]int      // step id -> authoring index
	adjacency map[string][]string // step id -> successor ids, deterministic order
}

// Loopback names a tolerated back-edge: a CONDITION step routing to an
// already-visited ancestor. The orchestrator counts traversals of To against
// the runtime loop bound.
type Loopback struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// newWorkflowGraph indexes steps and outgoing edges. Successor references
// that do not resolve are dropped here; validation reports them separately.
func newWorkflowGraph(workflow *Workflow) *workflowGraph {
	g := &workflowGraph{
		workflow:  workflow,
		position:  make(map[string]int, len(workflow.Steps)),
		adjacency: make(map[string][]string, len(workflow.Steps)),
	}

	for i := range workflow.Steps {
		step := &workflow.Steps[i]
		if _, exists := g.position[step.ID]; !exists {
			g.position[step.ID] = i
		}
	}

	for i := range workflow.Steps {
		step := &workflow.Steps[i]
		var edges []string
		for _, target := range step.Outgoing() {
			if _, exists := g.position[target]; exists {
				edges = append(edges, target)
			}
		}
		g.adjacency[step.ID] = edges
	}

	return g
}

// reachableFrom returns the set of step ids reachable from start, start
// included, following all edge kinds.
func (g *workflowGraph) reachableFrom(start string) map[string]bool {
	reached := make(map[string]bool)
	if _, exists := g.position[start]; !exists {
		return reached
	}

	queue := []string{start}
	reached[start] = true
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range g.adjacency[current] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	return reached
}

// DFS colors for back-edge classification.
const (
	colorWhite = iota // unvisited
	colorGrey         // on the current DFS stack
	colorBlack        // fully explored
)

// classifyCycles walks the graph from the trigger and splits cycle-closing
// edges into tolerated loopbacks (originating from a CONDITION step) and
// hard cycles. A back-edge from any other step kind is a hard cycle.
func (g *workflowGraph) classifyCycles(trigger string) (loopbacks []Loopback, cycles []Loopback) {
	color := make(map[string]int, len(g.position))

	var visit func(id string)
	visit = func(id string) {
		color[id] = colorGrey
		step := g.workflow.Step(id)
		for _, next := range g.adjacency[id] {
			switch color[next] {
			case colorWhite:
				visit(next)
			case colorGrey:
				// Edge closes a cycle on the current path.
				if step != nil && step.Kind == StepCondition {
					loopbacks = append(loopbacks, Loopback{From: id, To: next})
				} else {
					cycles = append(cycles, Loopback{From: id, To: next})
				}
			}
		}
		color[id] = colorBlack
	}

	if _, exists := g.position[trigger]; exists {
		visit(trigger)
	}
	// Steps unreachable from the trigger still get classified so cycle
	// errors are reported alongside the reachability errors.
	for i := range g.workflow.Steps {
		id := g.workflow.Steps[i].ID
		if color[id] == colorWhite {
			visit(id)
		}
	}
	return loopbacks, cycles
}

// topologicalOrder runs Kahn's algorithm over the edge set minus the given
// loopback edges, breaking ties by authoring order. The boolean reports
// whether every step was ordered; false means a residual cycle survived.
func (g *workflowGraph) topologicalOrder(loopbacks []Loopback) ([]string, bool) {
	skip := make(map[Loopback]bool, len(loopbacks))
	for _, lb := range loopbacks {
		skip[lb] = true
	}

	indegree := make(map[string]int, len(g.position))
	for id := range g.position {
		indegree[id] = 0
	}
	for from, targets := range g.adjacency {
		for _, to := range targets {
			if skip[Loopback{From: from, To: to}] {
				continue
			}
			indegree[to]++
		}
	}

	sequence := make([]string, 0, len(g.position))
	ready := make(map[string]bool)
	for id, degree := range indegree {
		if degree == 0 {
			ready[id] = true
		}
	}

	for len(ready) > 0 {
		// Pick the ready step that appears earliest in authoring order.
		next := ""
		for id := range ready {
			if next == "" || g.position[id] < g.position[next] {
				next = id
			}
		}
		delete(ready, next)
		sequence = append(sequence, next)

		for _, to := range g.adjacency[next] {
			if skip[Loopback{From: next, To: to}] {
				continue
			}
			indegree[to]--
			if indegree[to] == 0 {
				ready[to] = true
			}
		}
	}

	return sequence, len(sequence) == len(g.position)
}
