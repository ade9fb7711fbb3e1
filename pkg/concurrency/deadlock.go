package concurrency

import (
	"errors"
	"sync"
)

// WaitsForGraph is a precedence graph used to keep track of whether
// there are deadlocks in transactions
type WaitsForGraph struct {
	edges []Edge       // A slice of all the Edges that we have in our graph
	mtx   sync.RWMutex // Mutex for synchronizing access to the edges slice.
}

// An Edge between transactions in a ("waits-for") Graph
// if Txn1 is waiting for a lock held by Txn2,
// then there is an Edge from Txn1 to Txn2
type Edge struct {
	from *Transaction
	to   *Transaction
}

func NewGraph() *WaitsForGraph {
	return &WaitsForGraph{edges: make([]Edge, 0)}
}

// Add an edge from `from` to `to`. Logically, `from` waits for `to`.
func (g *WaitsForGraph) AddEdge(from *Transaction, to *Transaction) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	g.edges = append(g.edges, Edge{from: from, to: to})
}

// Remove an edge. Only removes one of these edges if multiple copies exist.
func (g *WaitsForGraph) RemoveEdge(from *Transaction, to *Transaction) error {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	toRemove := Edge{from: from, to: to}
	for i, e := range g.edges {
		if e == toRemove {
			g.edges[i] = g.edges[len(g.edges)-1]
			g.edges = g.edges[:len(g.edges)-1]
			return nil
		}
	}
	return errors.New("edge not found")
}

// Return true if a cycle exists; false otherwise.
func (g *WaitsForGraph) DetectCycle() bool {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	// 0: unvisited, 1: on the current path, 2: finished.
	state := make(map[*Transaction]int)
	for _, e := range g.edges {
		if state[e.from] == 0 && g.dfs(e.from, state) {
			return true
		}
	}
	return false
}

// depth-first search function to help detect cycles in a graph
func (g *WaitsForGraph) dfs(from *Transaction, state map[*Transaction]int) bool {
	state[from] = 1
	for _, e := range g.edges {
		if e.from != from {
			continue
		}
		switch state[e.to] {
		case 1:
			return true
		case 0:
			if g.dfs(e.to, state) {
				return true
			}
		}
	}
	state[from] = 2
	return false
}
