package tgdh

import (
	"fmt"
	"math"
)

// nodeIndex addresses a node in a dhTree's arena.
type nodeIndex int

const nilNode nodeIndex = -1

// node is a node in a Diffie-Hellman key tree.
//
// For leaves, id is the leaf's identity: a slot index in a level tree or a
// hierarchy level in a hierarchy tree.  Both are positive.  Internal nodes
// have an id of zero; they are only ever named by synthetic, non-positive
// ids in snapshots and branches.
type node[P any] struct {
	id     int
	parent nodeIndex
	left   nodeIndex
	right  nodeIndex
	secret Key
	public Key
	data   P
}

// dhTree is the structure and key-update engine shared by [LevelTree] and
// [HierarchyTree].  The type parameter is the per-node payload each tree
// keeps (slot occupants, or member and responsibility sets).
type dhTree[P any] struct {
	params Params
	nodes  []node[P]
	root   nodeIndex
}

func newDHTree[P any](params Params) dhTree[P] {
	return dhTree[P]{params: params, root: nilNode}
}

func (t *dhTree[P]) reset() {
	t.nodes = nil
	t.root = nilNode
}

func (t *dhTree[P]) empty() bool {
	return t.root == nilNode
}

// newNode appends a detached node to the arena.  Pointers into t.nodes are
// invalidated.
func (t *dhTree[P]) newNode(id int, data P) nodeIndex {
	t.nodes = append(t.nodes, node[P]{
		id:     id,
		parent: nilNode,
		left:   nilNode,
		right:  nilNode,
		data:   data,
	})
	return nodeIndex(len(t.nodes) - 1)
}

func (t *dhTree[P]) isLeaf(i nodeIndex) bool {
	n := &t.nodes[i]
	return n.left == nilNode && n.right == nilNode
}

func (t *dhTree[P]) link(parent, left, right nodeIndex) {
	t.nodes[parent].left = left
	t.nodes[parent].right = right
	t.nodes[left].parent = parent
	t.nodes[right].parent = parent
}

// replaceChild puts child where old was under parent.
func (t *dhTree[P]) replaceChild(parent, old, child nodeIndex) {
	if t.nodes[parent].left == old {
		t.nodes[parent].left = child
	} else {
		t.nodes[parent].right = child
	}
	t.nodes[child].parent = parent
}

func (t *dhTree[P]) clearKeys(i nodeIndex) {
	t.nodes[i].secret = NoKey
	t.nodes[i].public = NoKey
}

// pruneVacant clears the keys of every ancestor of leaf whose children both
// lack a public key.  Shapes and ids are kept so vacated slots can be
// reoccupied without restructuring.
func (t *dhTree[P]) pruneVacant(leaf nodeIndex) {
	for cur := t.nodes[leaf].parent; cur != nilNode; cur = t.nodes[cur].parent {
		n := &t.nodes[cur]
		if !t.nodes[n.left].public.IsSome() && !t.nodes[n.right].public.IsSome() {
			n.secret = NoKey
			n.public = NoKey
		}
	}
}

// updateBranch recomputes keys from start up to the root.  A leaf start
// begins at its parent.
//
// The left child decides the pairing: if it holds a secret, that secret is
// applied to the right child's public key; otherwise the right child's
// secret is applied to the left child's public key.  Replicas depend on
// this choice being identical.
func (t *dhTree[P]) updateBranch(start nodeIndex) error {
	if start != nilNode && t.isLeaf(start) {
		start = t.nodes[start].parent
	}

	for cur := start; cur != nilNode; cur = t.nodes[cur].parent {
		n := &t.nodes[cur]
		if n.left == nilNode || n.right == nilNode {
			return fmt.Errorf("%w: internal node at depth %d has a missing child",
				ErrInconsistentTree, t.depth(cur))
		}

		left := &t.nodes[n.left]
		right := &t.nodes[n.right]

		var secret, public Key
		if left.secret.IsSome() {
			secret, public = left.secret, right.public
		} else {
			secret, public = right.secret, left.public
		}

		switch {
		case !secret.IsSome():
			// no live member of this replica's path below
			n.secret = NoKey
			n.public = NoKey
		case !public.IsSome():
			// single survivor
			n.secret = secret
			if left.public.IsSome() {
				n.public = left.public
			} else {
				n.public = right.public
			}
		default:
			s := t.params.Exp(public.v, secret.v)
			n.secret = Key{v: s}
			n.public = Key{v: t.params.PublicKey(s)}
		}
	}

	return nil
}

// depth returns the number of edges between i and the root.
func (t *dhTree[P]) depth(i nodeIndex) int {
	d := 0
	for cur := t.nodes[i].parent; cur != nilNode; cur = t.nodes[cur].parent {
		d++
	}
	return d
}

func (t *dhTree[P]) ancestor(i nodeIndex, steps int) nodeIndex {
	for ; steps > 0 && i != nilNode; steps-- {
		i = t.nodes[i].parent
	}
	return i
}

// lca returns the lowest common ancestor of a and b.  The pointers are put
// on equal depth first; level trees are not guaranteed to be depth-uniform.
func (t *dhTree[P]) lca(a, b nodeIndex) nodeIndex {
	da, db := t.depth(a), t.depth(b)
	if da > db {
		a = t.ancestor(a, da-db)
	} else {
		b = t.ancestor(b, db-da)
	}

	for a != b {
		if a == nilNode || b == nilNode {
			return nilNode
		}
		a = t.nodes[a].parent
		b = t.nodes[b].parent
	}
	return a
}

// lcaDistance returns how many steps above a its lowest common ancestor
// with b lies.  Smaller means b is structurally closer.
func (t *dhTree[P]) lcaDistance(a, b nodeIndex) int {
	if a == nilNode || b == nilNode {
		return math.MaxInt
	}
	anc := t.lca(a, b)
	if anc == nilNode {
		return math.MaxInt
	}
	return t.depth(a) - t.depth(anc)
}

// leaves returns the leaves in left-to-right order.
func (t *dhTree[P]) leaves() []nodeIndex {
	var out []nodeIndex
	if t.root == nilNode {
		return out
	}

	stack := []nodeIndex{t.root}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if t.isLeaf(cur) {
			out = append(out, cur)
			continue
		}
		stack = append(stack, t.nodes[cur].right, t.nodes[cur].left)
	}
	return out
}

// rootKeys returns the root's secret and public keys.
func (t *dhTree[P]) rootKeys() (Key, Key) {
	if t.root == nilNode {
		return NoKey, NoKey
	}
	return t.nodes[t.root].secret, t.nodes[t.root].public
}

//////////////////////////////////////////////////////////////////////////////
// BRANCHES
//////////////////////////////////////////////////////////////////////////////

// exportBranch walks from leaf to the root, emitting each node's public key.
// Internal nodes get synthetic ids -1, -2, ... in walk order; the root is
// always emitted last as (0, 0).
func (t *dhTree[P]) exportBranch(leaf nodeIndex) *Branch {
	b := &Branch{SponsorLeafID: t.nodes[leaf].id}
	synthetic := -1

	for cur := leaf; cur != t.root; cur = t.nodes[cur].parent {
		n := &t.nodes[cur]

		id := n.id
		if id <= 0 {
			id = synthetic
			synthetic--
		}

		parentID := synthetic
		if n.parent == t.root {
			parentID = 0
		}

		b.Nodes = append(b.Nodes, BranchNode{ID: id, ParentID: parentID, PublicKey: n.public})
	}

	b.Nodes = append(b.Nodes, BranchNode{ID: 0, ParentID: 0, PublicKey: t.nodes[t.root].public})
	return b
}

// applyBranch overwrites the public keys on the path from sponsor to the
// root with the branch's keys.  Secrets are left alone; this replica does
// not own them.  Nothing is written unless the branch matches the local
// path's length and shape.
func (t *dhTree[P]) applyBranch(b *Branch, sponsor nodeIndex) error {
	if b == nil || len(b.Nodes) == 0 {
		return fmt.Errorf("%w: empty branch", ErrInvalidState)
	}

	entries := make(map[int]BranchNode, len(b.Nodes))
	for _, bn := range b.Nodes {
		entries[bn.ID] = bn
	}

	type pending struct {
		idx nodeIndex
		key Key
	}
	var updates []pending

	entryID := b.SponsorLeafID
	for cur := sponsor; cur != nilNode; cur = t.nodes[cur].parent {
		if cur == t.root {
			entryID = 0
		}

		bn, ok := entries[entryID]
		if !ok {
			return fmt.Errorf("%w: branch has no entry %d for the local path",
				ErrInconsistentTree, entryID)
		}

		if cur != t.root {
			parentIsRoot := t.nodes[cur].parent == t.root
			if parentIsRoot != (bn.ParentID == 0) {
				return fmt.Errorf("%w: branch entry %d does not match the local path",
					ErrInconsistentTree, entryID)
			}
		}

		updates = append(updates, pending{idx: cur, key: bn.PublicKey})
		entryID = bn.ParentID
	}

	for _, u := range updates {
		t.nodes[u.idx].public = u.key
	}
	return nil
}

//////////////////////////////////////////////////////////////////////////////
// SNAPSHOTS
//////////////////////////////////////////////////////////////////////////////

// snapshotNamer picks the snapshot id of a child of the node named
// parentID.  childLeafID is the child's own id, or 0 if it is internal.
type snapshotNamer func(parentID int, childLeafID int, left bool) int

// childID names a child in a snapshot: leaves keep their own id; internal
// children of the node named id get 2*id-1 (left) and 2*id-2 (right), so
// the root's internal children are -1 and -2.  The ids double with depth,
// so it only suits balanced trees.
func childID(parentID int, childLeafID int, left bool) int {
	if childLeafID > 0 {
		return childLeafID
	}
	if left {
		return 2*parentID - 1
	}
	return 2*parentID - 2
}

// preorderIDs returns a namer that gives internal nodes -1, -2, ... in the
// order they are named.  Leaves keep their own id.
func preorderIDs() snapshotNamer {
	next := 0
	return func(_ int, childLeafID int, _ bool) int {
		if childLeafID > 0 {
			return childLeafID
		}
		next--
		return next
	}
}

// exportShape describes every node of the tree, naming children with name.
// fill adds the tree-specific payload.  Two nodes given the same id are an
// error.
func (t *dhTree[P]) exportShape(name snapshotNamer,
	fill func(i nodeIndex, info *NodeInfo)) (map[int]*NodeInfo, error) {
	nodes := make(map[int]*NodeInfo, len(t.nodes))
	if t.root == nilNode {
		return nodes, nil
	}

	var collect func(i nodeIndex, id int, parentID *int) error
	collect = func(i nodeIndex, id int, parentID *int) error {
		if _, dup := nodes[id]; dup {
			return fmt.Errorf("%w: snapshot id %d names two nodes", ErrInvalidState, id)
		}

		n := &t.nodes[i]
		info := &NodeInfo{
			ID:        id,
			ParentID:  parentID,
			Index:     n.id,
			PublicKey: n.public,
		}
		nodes[id] = info

		if n.left == nilNode {
			fill(i, info)
			return nil
		}

		leftID := name(id, t.nodes[n.left].id, true)
		rightID := name(id, t.nodes[n.right].id, false)
		if (t.isLeaf(n.left) != (leftID > 0)) || (t.isLeaf(n.right) != (rightID > 0)) {
			return fmt.Errorf("%w: snapshot ids of the children of %d are out of range",
				ErrInvalidState, id)
		}
		info.LeftID = &leftID
		info.RightID = &rightID

		if err := collect(n.left, leftID, &info.ID); err != nil {
			return err
		}
		if err := collect(n.right, rightID, &info.ID); err != nil {
			return err
		}
		fill(i, info)
		return nil
	}

	if err := collect(t.root, 0, nil); err != nil {
		return nil, err
	}
	return nodes, nil
}

// importShape rebuilds the tree from snapshot node descriptions.  build
// sets up the tree-specific payload of each created node.
func (t *dhTree[P]) importShape(nodes map[int]*NodeInfo,
	build func(i nodeIndex, info *NodeInfo) error) error {
	t.reset()

	if _, ok := nodes[0]; !ok {
		return fmt.Errorf("%w: snapshot has no root", ErrInconsistentTree)
	}

	visited := make(map[int]bool, len(nodes))

	var construct func(id int, parent nodeIndex) (nodeIndex, error)
	construct = func(id int, parent nodeIndex) (nodeIndex, error) {
		if visited[id] {
			return nilNode, fmt.Errorf("%w: snapshot node %d reached twice", ErrInconsistentTree, id)
		}
		visited[id] = true

		info, ok := nodes[id]
		if !ok {
			return nilNode, fmt.Errorf("%w: snapshot has no node %d", ErrInconsistentTree, id)
		}
		if (info.LeftID == nil) != (info.RightID == nil) {
			return nilNode, fmt.Errorf("%w: snapshot node %d has one child", ErrInconsistentTree, id)
		}

		isLeaf := info.LeftID == nil
		if isLeaf && info.Index <= 0 {
			return nilNode, fmt.Errorf("%w: snapshot leaf %d has no index", ErrInconsistentTree, id)
		}
		if !isLeaf && info.Index != 0 {
			return nilNode, fmt.Errorf("%w: snapshot internal node %d has index %d",
				ErrInconsistentTree, id, info.Index)
		}

		var zero P
		i := t.newNode(info.Index, zero)
		t.nodes[i].parent = parent
		t.nodes[i].public = info.PublicKey

		if !isLeaf {
			left, err := construct(*info.LeftID, i)
			if err != nil {
				return nilNode, err
			}
			right, err := construct(*info.RightID, i)
			if err != nil {
				return nilNode, err
			}
			t.nodes[i].left = left
			t.nodes[i].right = right
		}

		if err := build(i, info); err != nil {
			return nilNode, err
		}
		return i, nil
	}

	root, err := construct(0, nilNode)
	if err != nil {
		t.reset()
		return err
	}
	if len(visited) != len(nodes) {
		t.reset()
		return fmt.Errorf("%w: snapshot has %d unreachable nodes",
			ErrInconsistentTree, len(nodes)-len(visited))
	}

	t.root = root
	return nil
}
