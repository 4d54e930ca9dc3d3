package tgdh

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

// pairTree builds a root over two leaves with ids 1 and 2.
func pairTree(params Params) (tr dhTree[struct{}], root, left, right nodeIndex) {
	tr = newDHTree[struct{}](params)
	left = tr.newNode(1, struct{}{})
	right = tr.newNode(2, struct{}{})
	root = tr.newNode(0, struct{}{})
	tr.link(root, left, right)
	tr.root = root
	return tr, root, left, right
}

func TestUpdateBranchCombinesBothSides(t *testing.T) {
	params := tinyParams(t)
	a, b := big.NewInt(6), big.NewInt(15)
	ga, gb := params.PublicKey(a), params.PublicKey(b)
	want := params.Exp(params.G, new(big.Int).Mul(a, b))

	// the replica owning the left leaf
	lt, lroot, ll, lr := pairTree(params)
	lt.nodes[ll].secret, lt.nodes[ll].public = SomeKey(a), SomeKey(ga)
	lt.nodes[lr].public = SomeKey(gb)
	require.NoError(t, lt.updateBranch(ll))

	// the replica owning the right leaf
	rt, rroot, rl, rr := pairTree(params)
	rt.nodes[rl].public = SomeKey(ga)
	rt.nodes[rr].secret, rt.nodes[rr].public = SomeKey(b), SomeKey(gb)
	require.NoError(t, rt.updateBranch(rroot))

	require.True(t, lt.nodes[lroot].secret.Equal(SomeKey(want)))
	require.True(t, rt.nodes[rroot].secret.Equal(SomeKey(want)))
	require.True(t, lt.nodes[lroot].public.Equal(SomeKey(params.PublicKey(want))))
	require.True(t, lt.nodes[lroot].public.Equal(rt.nodes[rroot].public))
}

func TestUpdateBranchSingleSurvivor(t *testing.T) {
	params := tinyParams(t)
	s := big.NewInt(9)

	tr, root, _, right := pairTree(params)
	tr.nodes[right].secret = SomeKey(s)
	tr.nodes[right].public = SomeKey(params.PublicKey(s))
	require.NoError(t, tr.updateBranch(right))

	secret, public := tr.rootKeys()
	require.True(t, secret.Equal(SomeKey(s)))
	require.True(t, public.Equal(SomeKey(params.PublicKey(s))))

	// with the survivor gone as well, the root loses its keys
	tr.clearKeys(right)
	require.NoError(t, tr.updateBranch(root))
	secret, public = tr.rootKeys()
	require.False(t, secret.IsSome())
	require.False(t, public.IsSome())
}

func TestUpdateBranchMissingChild(t *testing.T) {
	tr := newDHTree[struct{}](tinyParams(t))
	leaf := tr.newNode(1, struct{}{})
	root := tr.newNode(0, struct{}{})
	tr.nodes[root].left = leaf
	tr.nodes[leaf].parent = root
	tr.root = root

	err := tr.updateBranch(root)
	require.ErrorIs(t, err, ErrInconsistentTree)
}

func TestLCAOnUnevenTree(t *testing.T) {
	// root
	//  |- x
	//  |   |- 1
	//  |   `- y
	//  |       |- 2
	//  |       `- 3
	//  `- 4
	tr := newDHTree[struct{}](tinyParams(t))
	l1 := tr.newNode(1, struct{}{})
	l2 := tr.newNode(2, struct{}{})
	l3 := tr.newNode(3, struct{}{})
	l4 := tr.newNode(4, struct{}{})
	y := tr.newNode(0, struct{}{})
	x := tr.newNode(0, struct{}{})
	root := tr.newNode(0, struct{}{})
	tr.link(y, l2, l3)
	tr.link(x, l1, y)
	tr.link(root, x, l4)
	tr.root = root

	require.Equal(t, y, tr.lca(l2, l3))
	require.Equal(t, x, tr.lca(l1, l3))
	require.Equal(t, x, tr.lca(l3, l1))
	require.Equal(t, root, tr.lca(l2, l4))
	require.Equal(t, l2, tr.lca(l2, l2))

	require.Equal(t, 1, tr.lcaDistance(l2, l3))
	require.Equal(t, 2, tr.lcaDistance(l2, l1))
	require.Equal(t, 3, tr.lcaDistance(l2, l4))
	require.Equal(t, 1, tr.lcaDistance(l4, l2))

	ids := []int{}
	for _, i := range tr.leaves() {
		ids = append(ids, tr.nodes[i].id)
	}
	require.Equal(t, []int{1, 2, 3, 4}, ids)
}

func TestChildIDs(t *testing.T) {
	require.Equal(t, -1, childID(0, 0, true))
	require.Equal(t, -2, childID(0, 0, false))
	require.Equal(t, -3, childID(-1, 0, true))
	require.Equal(t, -4, childID(-1, 0, false))
	require.Equal(t, -5, childID(-2, 0, true))
	require.Equal(t, -6, childID(-2, 0, false))
	require.Equal(t, 7, childID(-2, 7, true))
}

func TestApplyBranchRejectsShapeMismatch(t *testing.T) {
	params := tinyParams(t)
	tr, _, left, right := pairTree(params)

	err := tr.applyBranch(&Branch{}, left)
	require.ErrorIs(t, err, ErrInvalidState)

	// claims the sponsor's parent is not the root
	b := &Branch{
		SponsorLeafID: 1,
		Nodes: []BranchNode{
			{ID: 1, ParentID: -1, PublicKey: SomeKey(big.NewInt(3))},
			{ID: 0, ParentID: 0, PublicKey: SomeKey(big.NewInt(4))},
		},
	}
	err = tr.applyBranch(b, left)
	require.ErrorIs(t, err, ErrInconsistentTree)
	require.False(t, tr.nodes[left].public.IsSome())

	b.Nodes[0].ParentID = 0
	require.NoError(t, tr.applyBranch(b, left))
	require.True(t, tr.nodes[left].public.Equal(SomeKey(big.NewInt(3))))
	require.False(t, tr.nodes[right].public.IsSome())
	_, public := tr.rootKeys()
	require.True(t, public.Equal(SomeKey(big.NewInt(4))))
}

// spineTree builds a left spine over leaves 1..n.
func spineTree(params Params, n int) dhTree[struct{}] {
	tr := newDHTree[struct{}](params)
	tr.root = tr.newNode(1, struct{}{})
	for id := 2; id <= n; id++ {
		leaf := tr.newNode(id, struct{}{})
		parent := tr.newNode(0, struct{}{})
		tr.link(parent, tr.root, leaf)
		tr.root = parent
	}
	return tr
}

func TestExportShapeNamers(t *testing.T) {
	params := tinyParams(t)
	noFill := func(nodeIndex, *NodeInfo) {}

	tr := spineTree(params, 4)
	nodes, err := tr.exportShape(preorderIDs(), noFill)
	require.NoError(t, err)
	require.Len(t, nodes, 7)
	for _, id := range []int{0, -1, -2, 1, 2, 3, 4} {
		require.Contains(t, nodes, id)
	}
	require.Equal(t, -1, *nodes[0].LeftID)
	require.Equal(t, 4, *nodes[0].RightID)
	require.Equal(t, -2, *nodes[-1].LeftID)
	require.Equal(t, 1, *nodes[-2].LeftID)

	clash := func(_ int, childLeafID int, _ bool) int {
		if childLeafID > 0 {
			return childLeafID
		}
		return -1
	}
	_, err = tr.exportShape(clash, noFill)
	require.ErrorIs(t, err, ErrInvalidState)

	// doubling ids overflow on a 70-leaf spine
	deep := spineTree(params, 70)
	_, err = deep.exportShape(childID, noFill)
	require.ErrorIs(t, err, ErrInvalidState)

	nodes, err = deep.exportShape(preorderIDs(), noFill)
	require.NoError(t, err)
	require.Len(t, nodes, 139)

	rebuilt := newDHTree[struct{}](params)
	require.NoError(t, rebuilt.importShape(nodes, func(nodeIndex, *NodeInfo) error { return nil }))
	ids := []int{}
	for _, i := range rebuilt.leaves() {
		ids = append(ids, rebuilt.nodes[i].id)
	}
	require.Len(t, ids, 70)
	require.Equal(t, 1, ids[0])
	require.Equal(t, 70, ids[69])
}
