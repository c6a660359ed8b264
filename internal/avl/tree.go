// Package avl implements a balanced binary search tree over externally
// ordered elements. The transmission queue layers a priority queue on top of
// it; the same container is meant to be reusable for set-like lookups such
// as acceptance filter configuration.
package avl

import "github.com/kstaniek/go-canio/internal/pool"

// DuplicatePolicy controls what Insert does with an element comparing equal
// to one already stored.
type DuplicatePolicy int

const (
	// DuplicateReject refuses the insertion (set semantics).
	DuplicateReject DuplicatePolicy = iota
	// DuplicateChain appends the element to a FIFO chain hanging off the
	// equal node, preserving insertion order among equals.
	DuplicateChain
)

type node[T comparable] struct {
	data  T
	h     int16
	left  *node[T]
	right *node[T]
	next  *node[T] // FIFO chain of elements comparing equal to data
}

// Tree is an AVL tree. The element type must be comparable so that removal
// can identify one concrete element inside an equal-ordering chain; the
// ordering itself comes from the cmp function (negative when a orders before
// b). Every node, chained ones included, charges one block on the allocator.
type Tree[T comparable] struct {
	root   *node[T]
	len    int
	cmp    func(a, b T) int
	policy DuplicatePolicy
	alloc  pool.Allocator
}

// New creates an empty tree drawing node blocks from alloc.
func New[T comparable](alloc pool.Allocator, cmp func(a, b T) int, policy DuplicatePolicy) *Tree[T] {
	return &Tree[T]{cmp: cmp, policy: policy, alloc: alloc}
}

// Len reports the number of stored elements, chained duplicates included.
func (t *Tree[T]) Len() int { return t.len }

// Empty reports whether the tree holds no elements.
func (t *Tree[T]) Empty() bool { return t.len == 0 }

// Insert adds v. It returns false, leaving the tree untouched, when the
// node allocation fails or when an equal element exists under
// DuplicateReject.
func (t *Tree[T]) Insert(v T) bool {
	if !t.alloc.TryAcquire() {
		return false
	}
	nn := &node[T]{data: v, h: 1}
	root, ok := t.insert(t.root, nn)
	if !ok {
		t.alloc.Release()
		return false
	}
	t.root = root
	t.len++
	return true
}

func (t *Tree[T]) insert(n, nn *node[T]) (*node[T], bool) {
	if n == nil {
		return nn, true
	}

	c := t.cmp(nn.data, n.data)
	switch {
	case c < 0:
		left, ok := t.insert(n.left, nn)
		if !ok {
			return n, false
		}
		n.left = left
	case c > 0:
		right, ok := t.insert(n.right, nn)
		if !ok {
			return n, false
		}
		n.right = right
	default:
		if t.policy == DuplicateReject {
			return n, false
		}
		tail := n
		for tail.next != nil {
			tail = tail.next
		}
		tail.next = nn
		return n, true // chain append leaves the shape untouched
	}

	n.h = maxHeight(n.left, n.right) + 1
	balance := balanceOf(n)

	if balance > 1 && t.cmp(nn.data, n.left.data) < 0 {
		return rotateRight(n), true
	}
	if balance < -1 && t.cmp(nn.data, n.right.data) > 0 {
		return rotateLeft(n), true
	}
	if balance > 1 && t.cmp(nn.data, n.left.data) > 0 {
		n.left = rotateLeft(n.left)
		return rotateRight(n), true
	}
	if balance < -1 && t.cmp(nn.data, n.right.data) < 0 {
		n.right = rotateRight(n.right)
		return rotateLeft(n), true
	}
	return n, true
}

// Remove deletes the element equal to v (by ==, located through cmp).
// Removing an absent element is a silent no-op.
func (t *Tree[T]) Remove(v T) {
	root, removed := t.remove(t.root, v)
	t.root = root
	if removed {
		t.len--
		t.alloc.Release()
	}
}

func (t *Tree[T]) remove(n *node[T], v T) (*node[T], bool) {
	if n == nil {
		return nil, false
	}

	var removed bool
	c := t.cmp(v, n.data)
	switch {
	case c < 0:
		n.left, removed = t.remove(n.left, v)
	case c > 0:
		n.right, removed = t.remove(n.right, v)
	default:
		if n.next != nil {
			// Equal-ordering chain: unlink by identity, no rebalancing.
			if n.data == v {
				head := n.next
				head.left = n.left
				head.right = n.right
				head.h = n.h
				return head, true
			}
			prev := n
			for cur := n.next; cur != nil; cur = cur.next {
				if cur.data == v {
					prev.next = cur.next
					return n, true
				}
				prev = cur
			}
			return n, false
		}
		if n.data != v {
			return n, false
		}
		if n.left == nil || n.right == nil {
			child := n.left
			if child == nil {
				child = n.right
			}
			return child, true
		}
		// Two children: take over the in-order successor's data and chain,
		// then delete the successor from the right subtree. The node keeps
		// its identity so references into siblings stay valid.
		succ := n.right
		for succ.left != nil {
			succ = succ.left
		}
		n.data = succ.data
		n.next = succ.next
		succ.next = nil
		n.right, removed = t.remove(n.right, succ.data)
	}

	if !removed {
		return n, false
	}

	n.h = maxHeight(n.left, n.right) + 1
	balance := balanceOf(n)

	if balance > 1 && balanceOf(n.left) >= 0 {
		return rotateRight(n), true
	}
	if balance > 1 && balanceOf(n.left) < 0 {
		n.left = rotateLeft(n.left)
		return rotateRight(n), true
	}
	if balance < -1 && balanceOf(n.right) <= 0 {
		return rotateLeft(n), true
	}
	if balance < -1 && balanceOf(n.right) > 0 {
		n.right = rotateRight(n.right)
		return rotateLeft(n), true
	}
	return n, true
}

// Min returns the element ordering lowest.
func (t *Tree[T]) Min() (T, bool) {
	var zero T
	n := t.root
	if n == nil {
		return zero, false
	}
	for n.left != nil {
		n = n.left
	}
	return n.data, true
}

// Max returns the element ordering highest. Within an equal-ordering chain
// the head (oldest insertion) is returned.
func (t *Tree[T]) Max() (T, bool) {
	var zero T
	n := t.root
	if n == nil {
		return zero, false
	}
	for n.right != nil {
		n = n.right
	}
	return n.data, true
}

// Lookup descends using probe (negative when the sought key orders before
// the visited element) and returns the first element comparing equal.
func (t *Tree[T]) Lookup(probe func(T) int) (T, bool) {
	var zero T
	n := t.root
	for n != nil {
		c := probe(n.data)
		switch {
		case c < 0:
			n = n.left
		case c > 0:
			n = n.right
		default:
			return n.data, true
		}
	}
	return zero, false
}

// LookupEach visits every element comparing equal to the probe, chain
// included, until fn returns false.
func (t *Tree[T]) LookupEach(probe func(T) int, fn func(T) bool) {
	n := t.root
	for n != nil {
		c := probe(n.data)
		switch {
		case c < 0:
			n = n.left
		case c > 0:
			n = n.right
		default:
			for cur := n; cur != nil; cur = cur.next {
				if !fn(cur.data) {
					return
				}
			}
			return
		}
	}
}

// Walk traverses elements in ascending order; equal-ordering chains are
// visited in insertion order.
func (t *Tree[T]) Walk(fn func(T)) {
	walkInOrder(t.root, fn)
}

func walkInOrder[T comparable](n *node[T], fn func(T)) {
	if n == nil {
		return
	}
	walkInOrder(n.left, fn)
	for cur := n; cur != nil; cur = cur.next {
		fn(cur.data)
	}
	walkInOrder(n.right, fn)
}

// WalkPostOrder visits children before parents, which lets a caller destroy
// element payloads during bulk teardown. Stack depth stays O(log n) by the
// balance invariant.
func (t *Tree[T]) WalkPostOrder(fn func(T)) {
	walkPostOrder(t.root, fn)
}

func walkPostOrder[T comparable](n *node[T], fn func(T)) {
	if n == nil {
		return
	}
	walkPostOrder(n.left, fn)
	walkPostOrder(n.right, fn)
	for cur := n; cur != nil; cur = cur.next {
		fn(cur.data)
	}
}

// Clear drops every node without rebalancing and returns their blocks to
// the allocator. Element payloads are the caller's to release beforehand,
// typically via WalkPostOrder.
func (t *Tree[T]) Clear() {
	t.clear(t.root)
	t.root = nil
	t.len = 0
}

func (t *Tree[T]) clear(n *node[T]) {
	if n == nil {
		return
	}
	t.clear(n.left)
	t.clear(n.right)
	for cur := n; cur != nil; cur = cur.next {
		t.alloc.Release()
	}
}

func heightOf[T comparable](n *node[T]) int16 {
	if n == nil {
		return 0
	}
	return n.h
}

func maxHeight[T comparable](a, b *node[T]) int16 {
	ha, hb := heightOf(a), heightOf(b)
	if ha > hb {
		return ha
	}
	return hb
}

func balanceOf[T comparable](n *node[T]) int16 {
	if n == nil {
		return 0
	}
	return heightOf(n.left) - heightOf(n.right)
}

func rotateRight[T comparable](y *node[T]) *node[T] {
	x := y.left
	t2 := x.right

	x.right = y
	y.left = t2

	y.h = maxHeight(y.left, y.right) + 1
	x.h = maxHeight(x.left, x.right) + 1
	return x
}

func rotateLeft[T comparable](x *node[T]) *node[T] {
	y := x.right
	t2 := y.left

	y.left = x
	x.right = t2

	x.h = maxHeight(x.left, x.right) + 1
	y.h = maxHeight(y.left, y.right) + 1
	return y
}
