package concurrency

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeadlock(t *testing.T) {
	t.Run("Empty", testDeadlockEmpty)
	t.Run("OneEdge", testDeadlockOneEdge)
	t.Run("Simple", testDeadlockSimple)
	t.Run("DAGSmall", testDeadlockDAGSmall)
	t.Run("LongCycle", testDeadlockLongCycle)
	t.Run("CycleAwayFromFirstEdge", testDeadlockCycleAwayFromFirstEdge)
}

func testDeadlockEmpty(t *testing.T) {
	g := NewGraph()
	assert.False(t, g.DetectCycle(), "cycle detected in empty graph")
}

func testDeadlockOneEdge(t *testing.T) {
	t1, t2 := &Transaction{}, &Transaction{}
	g := NewGraph()
	g.AddEdge(t1, t2)
	assert.False(t, g.DetectCycle(), "cycle detected in one edge graph")
}

func testDeadlockSimple(t *testing.T) {
	t1, t2 := &Transaction{}, &Transaction{}
	g := NewGraph()
	g.AddEdge(t1, t2)
	g.AddEdge(t2, t1)
	assert.True(t, g.DetectCycle(), "failed to detect cycle")
	assert.NoError(t, g.RemoveEdge(t2, t1))
	assert.False(t, g.DetectCycle())
	assert.Error(t, g.RemoveEdge(t2, t1))
}

func testDeadlockDAGSmall(t *testing.T) {
	t1, t2, t3 := &Transaction{}, &Transaction{}, &Transaction{}
	g := NewGraph()
	g.AddEdge(t1, t2)
	g.AddEdge(t1, t2)
	g.AddEdge(t1, t3)
	g.AddEdge(t2, t3)
	assert.False(t, g.DetectCycle(), "cycle detected in DAG")
}

func testDeadlockLongCycle(t *testing.T) {
	txs := []*Transaction{{}, {}, {}, {}}
	g := NewGraph()
	for i := range txs {
		g.AddEdge(txs[i], txs[(i+1)%len(txs)])
	}
	assert.True(t, g.DetectCycle())
}

func testDeadlockCycleAwayFromFirstEdge(t *testing.T) {
	t1, t2, t3, t4 := &Transaction{}, &Transaction{}, &Transaction{}, &Transaction{}
	g := NewGraph()
	g.AddEdge(t1, t2)
	g.AddEdge(t3, t4)
	g.AddEdge(t4, t3)
	assert.True(t, g.DetectCycle())
}
