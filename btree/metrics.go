package btree

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conure",
		Subsystem: "btree",
		Name:      "operations_total",
		Help:      "Tree operations by tree and kind.",
	}, []string{"tree", "op"})

	splits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conure",
		Subsystem: "btree",
		Name:      "splits_total",
		Help:      "Node splits by tree and node type.",
	}, []string{"tree", "node"})

	merges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conure",
		Subsystem: "btree",
		Name:      "merges_total",
		Help:      "Sibling merges by tree and node type.",
	}, []string{"tree", "node"})

	borrows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conure",
		Subsystem: "btree",
		Name:      "borrows_total",
		Help:      "Entries borrowed from a sibling by tree and node type.",
	}, []string{"tree", "node"})

	rootChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conure",
		Subsystem: "btree",
		Name:      "root_changes_total",
		Help:      "Root promotions (grow) and demotions (shrink).",
	}, []string{"tree", "change"})

	persists = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conure",
		Subsystem: "btree",
		Name:      "persist_total",
		Help:      "Persist and load attempts by tree and result.",
	}, []string{"tree", "op", "result"})
)

func opCounter(tree, op string) prometheus.Counter {
	return operations.WithLabelValues(tree, op)
}

func splitCounter(tree string, t NodeType) prometheus.Counter {
	return splits.WithLabelValues(tree, t.String())
}

func mergeCounter(tree string, t NodeType) prometheus.Counter {
	return merges.WithLabelValues(tree, t.String())
}

func borrowCounter(tree string, t NodeType) prometheus.Counter {
	return borrows.WithLabelValues(tree, t.String())
}

func rootCounter(tree, change string) prometheus.Counter {
	return rootChanges.WithLabelValues(tree, change)
}

func persistCounter(tree, op string, err error) prometheus.Counter {
	result := "ok"
	if err != nil {
		result = "error"
	}
	return persists.WithLabelValues(tree, op, result)
}
