package tgdh

import (
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/roaring64"
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/exp/slices"
)

// levelLeaf is the payload of a hierarchy tree node.  Leaves hold the
// members of their level; every node holds the set of levels below it.
type levelLeaf struct {
	members        mapset.Set[MemberID]
	responsibility *roaring64.Bitmap
}

// HierarchyTree is the key tree whose leaves are hierarchy levels.  The key
// of a level's leaf is the root key of that level's [LevelTree], and the
// root key is shared by all levels.
//
// The tree is a left spine: the lowest level is the deepest left leaf and
// every other level is the right child of a spine node, with levels
// increasing toward the root.  Leaves are never removed; a level whose last
// member leaves keeps its place with no keys.
type HierarchyTree struct {
	tree         dhTree[levelLeaf]
	levels       map[int]nodeIndex
	memberLevels map[MemberID]int
}

func NewHierarchyTree(params Params) *HierarchyTree {
	ht := &HierarchyTree{tree: newDHTree[levelLeaf](params)}
	ht.Reset()
	return ht
}

// Reset empties the tree.
func (ht *HierarchyTree) Reset() {
	ht.tree.reset()
	ht.levels = make(map[int]nodeIndex)
	ht.memberLevels = make(map[MemberID]int)
}

func checkLevel(level int) error {
	if level < 1 || level > math.MaxInt32 {
		return fmt.Errorf("%w: level %d is out of range", ErrInvalidState, level)
	}
	return nil
}

func (ht *HierarchyTree) rootResponsibility() *roaring64.Bitmap {
	if ht.tree.empty() {
		return roaring64.New()
	}
	return ht.tree.nodes[ht.tree.root].data.responsibility
}

// MinLevel returns the lowest level in the tree.
func (ht *HierarchyTree) MinLevel() (int, bool) {
	rb := ht.rootResponsibility()
	if rb.IsEmpty() {
		return 0, false
	}
	return int(rb.Minimum()), true
}

// MaxLevel returns the highest level in the tree.
func (ht *HierarchyTree) MaxLevel() (int, bool) {
	rb := ht.rootResponsibility()
	if rb.IsEmpty() {
		return 0, false
	}
	return int(rb.Maximum()), true
}

// prevLevel returns the greatest level below level.
func (ht *HierarchyTree) prevLevel(level int) (int, bool) {
	rb := ht.rootResponsibility()
	if rb.IsEmpty() || uint64(level) <= rb.Minimum() {
		return 0, false
	}

	rangeBitmap := roaring64.New()
	rangeBitmap.AddRange(rb.Minimum(), uint64(level))
	below := roaring64.And(rb, rangeBitmap)
	if below.IsEmpty() {
		return 0, false
	}
	return int(below.Maximum()), true
}

// nextLevel returns the smallest level above level.
func (ht *HierarchyTree) nextLevel(level int) (int, bool) {
	rb := ht.rootResponsibility()
	if rb.IsEmpty() || uint64(level) >= rb.Maximum() {
		return 0, false
	}

	rangeBitmap := roaring64.New()
	rangeBitmap.AddRange(uint64(level)+1, rb.Maximum()+1)
	above := roaring64.And(rb, rangeBitmap)
	if above.IsEmpty() {
		return 0, false
	}
	return int(above.Minimum()), true
}

// Levels returns the levels in leaf order, which is ascending.
func (ht *HierarchyTree) Levels() []int {
	leaves := ht.tree.leaves()
	levels := make([]int, 0, len(leaves))
	for _, i := range leaves {
		levels = append(levels, ht.tree.nodes[i].id)
	}
	return levels
}

// NumMembers is the number of members across all levels.
func (ht *HierarchyTree) NumMembers() int {
	return len(ht.memberLevels)
}

// NumberOfMembersAtLevel returns 0 if the level has no leaf.
func (ht *HierarchyTree) NumberOfMembersAtLevel(level int) int {
	leaf, ok := ht.levels[level]
	if !ok {
		return 0
	}
	return ht.tree.nodes[leaf].data.members.Cardinality()
}

// Members returns the members at level in ascending order.
func (ht *HierarchyTree) Members(level int) []MemberID {
	leaf, ok := ht.levels[level]
	if !ok {
		return nil
	}
	members := ht.tree.nodes[leaf].data.members.ToSlice()
	slices.Sort(members)
	return members
}

// LevelOf returns the level of member m.
func (ht *HierarchyTree) LevelOf(m MemberID) (int, bool) {
	level, ok := ht.memberLevels[m]
	return level, ok
}

// ResponsibilityAbove returns the responsibility set of the parent of
// level's leaf: the levels sharing that parent's subtree.  If the leaf is the
// root it returns just level.  It returns nil for an unknown level.
func (ht *HierarchyTree) ResponsibilityAbove(level int) []int {
	leaf, ok := ht.levels[level]
	if !ok {
		return nil
	}
	n := leaf
	if p := ht.tree.nodes[leaf].parent; p != nilNode {
		n = p
	}
	return bitmapToInts(ht.tree.nodes[n].data.responsibility)
}

func (ht *HierarchyTree) RootKeys() (secret Key, public Key) {
	return ht.tree.rootKeys()
}

func bitmapToInts(rb *roaring64.Bitmap) []int {
	vals := rb.ToArray()
	out := make([]int, len(vals))
	for i, v := range vals {
		out[i] = int(v)
	}
	return out
}

//////////////////////////////////////////////////////////////////////////////
// MEMBERSHIP
//////////////////////////////////////////////////////////////////////////////

func (ht *HierarchyTree) newLeaf(level int) nodeIndex {
	leaf := ht.tree.newNode(level, levelLeaf{
		members:        mapset.NewThreadUnsafeSet[MemberID](),
		responsibility: roaring64.BitmapOf(uint64(level)),
	})
	ht.levels[level] = leaf
	return leaf
}

// AddMember adds m to level's leaf, creating the leaf in level order if the
// level is new.
func (ht *HierarchyTree) AddMember(m MemberID, level int) error {
	if err := checkLevel(level); err != nil {
		return err
	}
	if m == "" {
		return fmt.Errorf("%w: empty member id", ErrInvalidState)
	}
	if l, ok := ht.memberLevels[m]; ok {
		return fmt.Errorf("%w: member %q is already at level %d", ErrInvalidState, m, l)
	}

	if leaf, ok := ht.levels[level]; ok {
		ht.tree.nodes[leaf].data.members.Add(m)
		ht.memberLevels[m] = level
		return nil
	}

	prev, hasPrev := ht.prevLevel(level)
	_, hasNext := ht.nextLevel(level)

	leaf := ht.newLeaf(level)
	ht.tree.nodes[leaf].data.members.Add(m)
	ht.memberLevels[m] = level

	switch {
	case ht.tree.empty():
		ht.tree.root = leaf
	case !hasPrev:
		ht.pushFront(leaf)
	case !hasNext:
		ht.pushBack(leaf, prev)
	default:
		ht.insertAfter(leaf, prev)
	}
	return nil
}

// pushFront makes leaf the new lowest level.
func (ht *HierarchyTree) pushFront(leaf nodeIndex) {
	lowest, _ := ht.MinLevel()
	ht.splice(ht.levels[lowest], leaf, true)
}

// pushBack makes leaf the new highest level; highest is the current one.
func (ht *HierarchyTree) pushBack(leaf nodeIndex, highest int) {
	ht.insertAfter(leaf, highest)
}

// insertAfter places leaf right after the level prev in leaf order.
func (ht *HierarchyTree) insertAfter(leaf nodeIndex, prev int) {
	target := ht.levels[prev]
	if lowest, _ := ht.MinLevel(); prev != lowest {
		target = ht.tree.nodes[target].parent
	}
	ht.splice(target, leaf, false)
}

// splice puts a new internal node where target was, with target and leaf as
// its children, and refreshes responsibilities from there to the root.
func (ht *HierarchyTree) splice(target, leaf nodeIndex, leafOnLeft bool) {
	parent := ht.tree.nodes[target].parent
	x := ht.tree.newNode(0, levelLeaf{})

	if leafOnLeft {
		ht.tree.link(x, leaf, target)
	} else {
		ht.tree.link(x, target, leaf)
	}

	if parent == nilNode {
		ht.tree.root = x
		ht.tree.nodes[x].parent = nilNode
	} else {
		ht.tree.replaceChild(parent, target, x)
	}

	for cur := x; cur != nilNode; cur = ht.tree.nodes[cur].parent {
		n := &ht.tree.nodes[cur]
		n.data.responsibility = roaring64.Or(
			ht.tree.nodes[n.left].data.responsibility,
			ht.tree.nodes[n.right].data.responsibility)
	}
}

// RemoveMember removes m from level's leaf.  When the level empties, its
// leaf and every ancestor left without a keyed child lose their keys.
func (ht *HierarchyTree) RemoveMember(m MemberID, level int) error {
	leaf, ok := ht.levels[level]
	if !ok {
		return fmt.Errorf("%w: no level %d in the hierarchy tree", ErrNotFound, level)
	}

	members := ht.tree.nodes[leaf].data.members
	if !members.Contains(m) {
		return fmt.Errorf("%w: member %q is not at level %d", ErrNotFound, m, level)
	}

	members.Remove(m)
	delete(ht.memberLevels, m)
	if members.Cardinality() == 0 {
		ht.tree.clearKeys(leaf)
		ht.tree.pruneVacant(leaf)
	}
	return nil
}

// FindSponsorMemberAt returns the smallest member id at the lowest
// populated level other than changing.
func (ht *HierarchyTree) FindSponsorMemberAt(changing int) (MemberID, bool) {
	for _, v := range ht.rootResponsibility().ToArray() {
		level := int(v)
		if level == changing {
			continue
		}
		if members := ht.Members(level); len(members) > 0 {
			return members[0], true
		}
	}
	return "", false
}

//////////////////////////////////////////////////////////////////////////////
// KEYS
//////////////////////////////////////////////////////////////////////////////

// findLCA returns the parent of whichever leaf has the higher level.  In a
// left spine that parent is the lowest common ancestor of both leaves.
func (ht *HierarchyTree) findLCA(a, b nodeIndex) nodeIndex {
	if ht.tree.nodes[b].id > ht.tree.nodes[a].id {
		a = b
	}
	return ht.tree.nodes[a].parent
}

func (ht *HierarchyTree) ownLeaf(level int, kp KeyPair) (nodeIndex, error) {
	if ht.tree.empty() {
		return nilNode, fmt.Errorf("%w: hierarchy tree is empty", ErrInvalidState)
	}
	if kp.IsZero() {
		return nilNode, fmt.Errorf("%w: missing key pair for level %d", ErrInvalidState, level)
	}
	leaf, ok := ht.levels[level]
	if !ok {
		return nilNode, fmt.Errorf("%w: no level %d in the hierarchy tree", ErrNotFound, level)
	}
	return leaf, nil
}

// UpdateKeysFromMaster sets level's leaf keys to kp, the root key pair of
// that level's tree, and recomputes every key up to the root.
func (ht *HierarchyTree) UpdateKeysFromMaster(level int, kp KeyPair) error {
	leaf, err := ht.ownLeaf(level, kp)
	if err != nil {
		return err
	}

	ht.tree.nodes[leaf].secret = kp.secretKey()
	ht.tree.nodes[leaf].public = kp.publicKey()
	return ht.tree.updateBranch(leaf)
}

// UpdateKeysFromBranch grafts a sponsor's branch into this replica and
// recomputes level's path from its common ancestor with the sponsor level.
func (ht *HierarchyTree) UpdateKeysFromBranch(level int, kp KeyPair, b *Branch) error {
	leaf, err := ht.ownLeaf(level, kp)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("%w: nil branch", ErrInvalidState)
	}

	sponsor, ok := ht.levels[b.SponsorLeafID]
	if !ok {
		return fmt.Errorf("%w: no level %d in the hierarchy tree", ErrNotFound, b.SponsorLeafID)
	}

	if err := ht.tree.applyBranch(b, sponsor); err != nil {
		return err
	}

	ht.tree.nodes[leaf].secret = kp.secretKey()
	ht.tree.nodes[leaf].public = kp.publicKey()
	return ht.tree.updateBranch(ht.findLCA(sponsor, leaf))
}

// ExportBranch returns the public keys on the path from level's leaf to the
// root.
func (ht *HierarchyTree) ExportBranch(level int) (*Branch, error) {
	leaf, ok := ht.levels[level]
	if !ok {
		return nil, fmt.Errorf("%w: no level %d in the hierarchy tree", ErrNotFound, level)
	}
	return ht.tree.exportBranch(leaf), nil
}

//////////////////////////////////////////////////////////////////////////////
// SNAPSHOTS
//////////////////////////////////////////////////////////////////////////////

// ExportSnapshot describes the tree's shape, public keys, members, and
// responsibilities.  Internal nodes are numbered -1, -2, ... in pre-order,
// so ids stay small however deep the spine grows.
func (ht *HierarchyTree) ExportSnapshot() (*Snapshot, error) {
	nodes, err := ht.tree.exportShape(preorderIDs(), func(i nodeIndex, info *NodeInfo) {
		data := ht.tree.nodes[i].data
		info.Responsibility = bitmapToInts(data.responsibility)
		if data.members != nil {
			info.Occupants = data.members.ToSlice()
			slices.Sort(info.Occupants)
		}
	})
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{MemberCount: len(ht.memberLevels), Nodes: nodes}
	snap.MinLevel, _ = ht.MinLevel()
	snap.MaxLevel, _ = ht.MaxLevel()
	return snap, nil
}

// ImportHierarchyTree rebuilds a hierarchy tree from a snapshot.  The result
// holds public keys only.
func ImportHierarchyTree(params Params, snap *Snapshot) (*HierarchyTree, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ErrInvalidState)
	}
	ht := NewHierarchyTree(params)
	if len(snap.Nodes) == 0 {
		if snap.MemberCount != 0 {
			return nil, fmt.Errorf("%w: snapshot with %d members has no nodes",
				ErrInconsistentTree, snap.MemberCount)
		}
		return ht, nil
	}

	err := ht.tree.importShape(snap.Nodes, func(i nodeIndex, info *NodeInfo) error {
		n := &ht.tree.nodes[i]

		if info.LeftID != nil {
			if len(info.Occupants) != 0 {
				return fmt.Errorf("%w: internal node %d has occupants", ErrInconsistentTree, info.ID)
			}
			if !ht.tree.isLeaf(n.right) {
				return fmt.Errorf("%w: internal node %d has an internal right child",
					ErrInconsistentTree, info.ID)
			}
			n.data.responsibility = roaring64.Or(
				ht.tree.nodes[n.left].data.responsibility,
				ht.tree.nodes[n.right].data.responsibility)
		} else {
			if err := checkLevel(info.Index); err != nil {
				return err
			}
			if _, dup := ht.levels[info.Index]; dup {
				return fmt.Errorf("%w: level %d appears twice", ErrInconsistentTree, info.Index)
			}
			ht.levels[info.Index] = i
			n.data.members = mapset.NewThreadUnsafeSet[MemberID]()
			n.data.responsibility = roaring64.BitmapOf(uint64(info.Index))

			for _, m := range info.Occupants {
				if _, dup := ht.memberLevels[m]; m == "" || dup {
					return fmt.Errorf("%w: bad member %q at level %d", ErrInconsistentTree, m, info.Index)
				}
				n.data.members.Add(m)
				ht.memberLevels[m] = info.Index
			}
		}

		if len(info.Responsibility) != 0 &&
			!slices.Equal(info.Responsibility, bitmapToInts(n.data.responsibility)) {
			return fmt.Errorf("%w: node %d has responsibility %v, expected %v", ErrInconsistentTree,
				info.ID, info.Responsibility, bitmapToInts(n.data.responsibility))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if levels := ht.Levels(); !slices.IsSorted(levels) {
		return nil, fmt.Errorf("%w: levels %v are out of order", ErrInconsistentTree, levels)
	}
	if lowest, _ := ht.MinLevel(); snap.MinLevel != lowest {
		return nil, fmt.Errorf("%w: snapshot claims min level %d, holds %d",
			ErrInconsistentTree, snap.MinLevel, lowest)
	}
	if highest, _ := ht.MaxLevel(); snap.MaxLevel != highest {
		return nil, fmt.Errorf("%w: snapshot claims max level %d, holds %d",
			ErrInconsistentTree, snap.MaxLevel, highest)
	}
	if snap.MemberCount != len(ht.memberLevels) {
		return nil, fmt.Errorf("%w: snapshot claims %d members, holds %d",
			ErrInconsistentTree, snap.MemberCount, len(ht.memberLevels))
	}
	return ht, nil
}
