// Package aggregate holds the running result of one merge run.
package aggregate

import (
	"fmt"

	"github.com/John-Robertt/nodemerge/internal/classify"
	"github.com/John-Robertt/nodemerge/internal/model"
)

// Aggregator accepts candidate nodes one at a time, keeps the first node seen
// for every server:port and renames accepted nodes to "<label> NN" with a
// counter per country label.
//
// An Aggregator lives for exactly one run and is not safe for concurrent use:
// first-seen-wins depends on Accept being called in source order.
type Aggregator struct {
	classifier *classify.Classifier

	accepted []model.Node
	seen     map[string]struct{}
	counters map[classify.Label]int
}

// New returns an empty Aggregator. A nil classifier uses classify.Default.
func New(c *classify.Classifier) *Aggregator {
	if c == nil {
		c = classify.Default
	}
	return &Aggregator{
		classifier: c,
		seen:       make(map[string]struct{}),
		counters:   make(map[classify.Label]int),
	}
}

// ServerKey is the identity used for deduplication.
func ServerKey(n model.Node) string {
	return n.Text("server") + ":" + n.Text("port")
}

// Accept adds n unless a node with the same ServerKey was accepted before,
// in which case n is dropped without looking at its other fields. n must
// already be normalized. It reports whether n was added.
func (a *Aggregator) Accept(n model.Node) bool {
	key := ServerKey(n)
	if _, dup := a.seen[key]; dup {
		return false
	}

	label := a.classifier.Classify(n.Text("name"))
	a.counters[label]++
	n.Set("name", fmt.Sprintf("%s %02d", label, a.counters[label]))

	a.accepted = append(a.accepted, n)
	a.seen[key] = struct{}{}
	return true
}

// Nodes returns the accepted nodes in first-seen order.
func (a *Aggregator) Nodes() []model.Node {
	out := make([]model.Node, len(a.accepted))
	copy(out, a.accepted)
	return out
}

func (a *Aggregator) Len() int { return len(a.accepted) }

// LabelCount is the number of accepted nodes for one label.
type LabelCount struct {
	Label classify.Label
	Count int
}

// Counts returns the non-zero per-label counters in table order.
func (a *Aggregator) Counts() []LabelCount {
	out := make([]LabelCount, 0, len(a.counters))
	for _, l := range a.classifier.Labels() {
		if n := a.counters[l]; n > 0 {
			out = append(out, LabelCount{Label: l, Count: n})
		}
	}
	return out
}
