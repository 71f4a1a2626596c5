// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package callchain merges frame sequences into a weighted prefix tree.
package callchain

import (
	"cmp"
	"slices"
)

// Node holds a run of frames shared by every chain passing through it.
// Period is the weight of chains ending at the last frame of Chain and
// ChildrenPeriod the weight of chains continuing into Children.
type Node[T any] struct {
	Period         uint64
	ChildrenPeriod uint64
	Chain          []T
	Children       []*Node[T]
}

// TotalPeriod returns the weight of all chains passing through n.
func (n *Node[T]) TotalPeriod() uint64 {
	return n.Period + n.ChildrenPeriod
}

// Tree is the root of a call chain tree. It holds no frames itself.
type Tree[T any] struct {
	// Duplicated is set when the tree is entirely contained in the tree of
	// another entry and need not be shown on its own.
	Duplicated     bool
	ChildrenPeriod uint64
	Children       []*Node[T]
}

// TotalPeriod returns the weight of all chains added to t.
func (t *Tree[T]) TotalPeriod() uint64 {
	return t.ChildrenPeriod
}

// AddChain adds chain with weight period. Frames are compared with isSame.
// An empty chain is ignored.
func (t *Tree[T]) AddChain(chain []T, period uint64, isSame func(a, b T) bool) {
	if len(chain) == 0 {
		return
	}
	t.ChildrenPeriod += period

	n := findMatching(t.Children, chain[0], isSame)
	if n == nil {
		t.Children = append(t.Children, newNode(chain, period))
		return
	}

	pos := 0
	for {
		matched := matchingLength(n, chain[pos:], isSame)
		pos += matched
		findChild := true
		if matched < len(n.Chain) {
			n.split(matched)
			// The only child is the remainder of the split, which cannot match.
			findChild = false
		}
		if pos == len(chain) {
			n.Period += period
			return
		}
		n.ChildrenPeriod += period
		if findChild {
			if next := findMatching(n.Children, chain[pos], isSame); next != nil {
				n = next
				continue
			}
		}
		n.Children = append(n.Children, newNode(chain[pos:], period))
		return
	}
}

func newNode[T any](chain []T, period uint64) *Node[T] {
	return &Node[T]{Period: period, Chain: slices.Clone(chain)}
}

// findMatching returns the first node whose chain starts with frame.
func findMatching[T any](nodes []*Node[T], frame T, isSame func(a, b T) bool) *Node[T] {
	for _, n := range nodes {
		if isSame(n.Chain[0], frame) {
			return n
		}
	}
	return nil
}

func matchingLength[T any](n *Node[T], chain []T, isSame func(a, b T) bool) int {
	i := 0
	for i < len(n.Chain) && i < len(chain) && isSame(n.Chain[i], chain[i]) {
		i++
	}
	return i
}

// split truncates n to its first length frames. The rest of the chain, with
// n's periods and children, becomes the single child of n.
func (n *Node[T]) split(length int) {
	child := &Node[T]{
		Period:         n.Period,
		ChildrenPeriod: n.ChildrenPeriod,
		Chain:          slices.Clone(n.Chain[length:]),
		Children:       n.Children,
	}
	n.Period = 0
	n.ChildrenPeriod = child.TotalPeriod()
	n.Chain = n.Chain[:length:length]
	n.Children = []*Node[T]{child}
}

// SortByPeriod orders the children of every node by total period, largest
// first. Nodes with equal periods keep their insertion order.
func (t *Tree[T]) SortByPeriod() {
	queue := [][]*Node[T]{t.Children}
	for len(queue) > 0 {
		nodes := queue[0]
		queue = queue[1:]
		slices.SortStableFunc(nodes, func(a, b *Node[T]) int {
			return cmp.Compare(b.TotalPeriod(), a.TotalPeriod())
		})
		for _, n := range nodes {
			if len(n.Children) > 0 {
				queue = append(queue, n.Children)
			}
		}
	}
}

// Walk visits every node depth first, parents before children. depth is 0
// for the children of the root. Returning false skips the node's subtree.
func (t *Tree[T]) Walk(fn func(n *Node[T], depth int) bool) {
	for _, n := range t.Children {
		walk(n, 0, fn)
	}
}

func walk[T any](n *Node[T], depth int, fn func(n *Node[T], depth int) bool) {
	if !fn(n, depth) {
		return
	}
	for _, c := range n.Children {
		walk(c, depth+1, fn)
	}
}

// Paths calls fn once for every node with a non-zero Period, passing the
// frames from the root down to that node's last frame. frames is reused
// between calls.
func (t *Tree[T]) Paths(fn func(frames []T, period uint64)) {
	var stack []T
	var visit func(n *Node[T])
	visit = func(n *Node[T]) {
		stack = append(stack, n.Chain...)
		if n.Period > 0 {
			fn(stack, n.Period)
		}
		for _, c := range n.Children {
			visit(c)
		}
		stack = stack[:len(stack)-len(n.Chain)]
	}
	for _, n := range t.Children {
		visit(n)
	}
}

// Merge adds every chain of other to t.
func (t *Tree[T]) Merge(other *Tree[T], isSame func(a, b T) bool) {
	other.Paths(func(frames []T, period uint64) {
		t.AddChain(frames, period, isSame)
	})
}
