package process

import "fmt"

// Graph is the fixed set of legal transitions for one process kind.
type Graph struct {
	next     map[int]map[int]struct{}
	terminal map[int]struct{}
	escapes  []int
}

// NewGraph builds a graph from successor lists. Every non-terminal state may
// additionally move to any of escapes (termination).
func NewGraph(next map[int][]int, terminal []int, escapes ...int) Graph {
	g := Graph{
		next:     make(map[int]map[int]struct{}, len(next)),
		terminal: make(map[int]struct{}, len(terminal)),
		escapes:  escapes,
	}
	for from, tos := range next {
		set := make(map[int]struct{}, len(tos))
		for _, to := range tos {
			set[to] = struct{}{}
		}
		g.next[from] = set
	}
	for _, s := range terminal {
		g.terminal[s] = struct{}{}
	}
	return g
}

func (g Graph) IsTerminal(state int) bool {
	_, ok := g.terminal[state]
	return ok
}

// Allows reports whether from → to is a legal transition.
func (g Graph) Allows(from, to int) bool {
	if g.IsTerminal(from) {
		return false
	}
	for _, e := range g.escapes {
		if e == to {
			return true
		}
	}
	_, ok := g.next[from][to]
	return ok
}

// Check returns ErrIllegalTransition when from → to is not allowed. names
// renders codes for the error message.
func (g Graph) Check(from, to int, names func(int) string) error {
	if g.Allows(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, names(from), names(to))
}
