package tgdh

import (
	"fmt"
	"math"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// levelSlot is the payload of a level tree node.  Only leaves use it.
type levelSlot struct {
	occupant MemberID // empty if vacant
}

// maxLevelTreeHeight bounds a level tree to 2^30 slots.
const maxLevelTreeHeight = 31

// LevelTree is the key tree of the members of one hierarchy level.
//
// Leaves are slots numbered 1 through Capacity() from left to right.  A
// tree of height h has 2^(h-1) slots; when every slot is occupied, the next
// join doubles the capacity.  Vacated slots keep their place and id and are
// reused by later joins.
type LevelTree struct {
	tree    dhTree[levelSlot]
	height  int
	slots   map[int]nodeIndex
	members map[MemberID]nodeIndex
}

// NewLevelTree returns a level tree holding the given members, in order.
// With no members the tree is empty.
func NewLevelTree(params Params, members ...MemberID) (*LevelTree, error) {
	lt := &LevelTree{tree: newDHTree[levelSlot](params)}
	lt.Reset()

	for _, m := range members {
		if err := lt.AddMember(m); err != nil {
			return nil, err
		}
	}
	return lt, nil
}

// Reset empties the tree.
func (lt *LevelTree) Reset() {
	lt.tree.reset()
	lt.height = 0
	lt.slots = make(map[int]nodeIndex)
	lt.members = make(map[MemberID]nodeIndex)
}

// Height is the number of levels of the tree; 0 for an empty tree.
func (lt *LevelTree) Height() int {
	return lt.height
}

// Capacity is the number of slots.
func (lt *LevelTree) Capacity() int {
	if lt.height == 0 {
		return 0
	}
	return 1 << (lt.height - 1)
}

func (lt *LevelTree) NumMembers() int {
	return len(lt.members)
}

// Members returns the member ids in ascending order.
func (lt *LevelTree) Members() []MemberID {
	members := maps.Keys(lt.members)
	slices.Sort(members)
	return members
}

func (lt *LevelTree) Contains(m MemberID) bool {
	_, ok := lt.members[m]
	return ok
}

// LeafID returns the slot id of m's leaf.
func (lt *LevelTree) LeafID(m MemberID) (int, bool) {
	i, ok := lt.members[m]
	if !ok {
		return 0, false
	}
	return lt.tree.nodes[i].id, true
}

// RootKeys returns the root's secret and public keys.  The secret is
// absent unless this replica's own leaf keys have been set.
func (lt *LevelTree) RootKeys() (secret Key, public Key) {
	return lt.tree.rootKeys()
}

// occupiedIDs returns the ids of the occupied slots in ascending order.
func (lt *LevelTree) occupiedIDs() []int {
	ids := make([]int, 0, len(lt.members))
	for _, i := range lt.members {
		ids = append(ids, lt.tree.nodes[i].id)
	}
	slices.Sort(ids)
	return ids
}

//////////////////////////////////////////////////////////////////////////////
// MEMBERSHIP
//////////////////////////////////////////////////////////////////////////////

// AddMember puts m in the vacant slot with the smallest id, doubling the
// capacity first if every slot is occupied.  The new leaf has no keys until
// m's replica calls [LevelTree.UpdateKeysFromMaster].
func (lt *LevelTree) AddMember(m MemberID) error {
	if m == "" {
		return fmt.Errorf("%w: empty member id", ErrInvalidState)
	}
	if lt.Contains(m) {
		return fmt.Errorf("%w: member %q is already in the level tree", ErrInvalidState, m)
	}

	if lt.tree.empty() {
		leaf := lt.tree.newNode(1, levelSlot{occupant: m})
		lt.tree.root = leaf
		lt.height = 1
		lt.slots[1] = leaf
		lt.members[m] = leaf
		return nil
	}

	if len(lt.members) >= lt.Capacity() {
		if lt.height >= maxLevelTreeHeight {
			return fmt.Errorf("%w: level tree is full at %d members", ErrInvalidState, len(lt.members))
		}
		lt.doubleCapacity()
	}

	for id := 1; id <= lt.Capacity(); id++ {
		leaf, ok := lt.slots[id]
		if !ok {
			return fmt.Errorf("%w: level tree has no slot %d", ErrInconsistentTree, id)
		}
		if lt.tree.nodes[leaf].data.occupant == "" {
			lt.tree.nodes[leaf].data.occupant = m
			lt.members[m] = leaf
			return nil
		}
	}

	return fmt.Errorf("%w: level tree has no vacant slot after growing", ErrInconsistentTree)
}

// doubleCapacity makes the current tree the left subtree of a new root
// whose right subtree is a vacant copy of it.
func (lt *LevelTree) doubleCapacity() {
	offset := lt.Capacity()
	oldRoot := lt.tree.root
	clone := lt.cloneSubtree(oldRoot, offset)

	root := lt.tree.newNode(0, levelSlot{})
	lt.tree.link(root, oldRoot, clone)
	lt.tree.root = root
	lt.height++
}

// cloneSubtree copies the shape below src, shifting leaf ids by offset.
// The copies carry no keys and no occupants.
func (lt *LevelTree) cloneSubtree(src nodeIndex, offset int) nodeIndex {
	n := lt.tree.nodes[src]
	if n.left == nilNode {
		id := n.id + offset
		leaf := lt.tree.newNode(id, levelSlot{})
		lt.slots[id] = leaf
		return leaf
	}

	left := lt.cloneSubtree(n.left, offset)
	right := lt.cloneSubtree(n.right, offset)
	i := lt.tree.newNode(0, levelSlot{})
	lt.tree.link(i, left, right)
	return i
}

// RemoveMember vacates m's slot and clears the keys of every ancestor left
// without a keyed child.
func (lt *LevelTree) RemoveMember(m MemberID) error {
	leaf, ok := lt.members[m]
	if !ok {
		return fmt.Errorf("%w: member %q is not in the level tree", ErrNotFound, m)
	}

	lt.tree.nodes[leaf].data.occupant = ""
	lt.tree.clearKeys(leaf)
	delete(lt.members, m)
	lt.tree.pruneVacant(leaf)
	return nil
}

//////////////////////////////////////////////////////////////////////////////
// KEYS
//////////////////////////////////////////////////////////////////////////////

func (lt *LevelTree) ownLeaf(self MemberID, kp KeyPair) (nodeIndex, error) {
	if lt.tree.empty() {
		return nilNode, fmt.Errorf("%w: level tree is empty", ErrInvalidState)
	}
	if kp.IsZero() {
		return nilNode, fmt.Errorf("%w: missing key pair for %q", ErrInvalidState, self)
	}
	leaf, ok := lt.members[self]
	if !ok {
		return nilNode, fmt.Errorf("%w: member %q is not in the level tree", ErrNotFound, self)
	}
	return leaf, nil
}

// UpdateKeysFromMaster sets self's leaf keys to kp and recomputes every key
// on the path from that leaf to the root.  The sponsor of a change calls
// this before exporting its branch.
func (lt *LevelTree) UpdateKeysFromMaster(self MemberID, kp KeyPair) error {
	leaf, err := lt.ownLeaf(self, kp)
	if err != nil {
		return err
	}

	lt.tree.nodes[leaf].secret = kp.secretKey()
	lt.tree.nodes[leaf].public = kp.publicKey()
	return lt.tree.updateBranch(leaf)
}

// UpdateKeysFromBranch grafts a sponsor's branch into this replica and
// recomputes self's path from the lowest common ancestor of self's leaf and
// the sponsor's leaf.
func (lt *LevelTree) UpdateKeysFromBranch(self MemberID, kp KeyPair, b *Branch) error {
	leaf, err := lt.ownLeaf(self, kp)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("%w: nil branch", ErrInvalidState)
	}

	sponsor, ok := lt.slots[b.SponsorLeafID]
	if !ok {
		return fmt.Errorf("%w: level tree has no slot %d", ErrNotFound, b.SponsorLeafID)
	}
	if sponsor == leaf {
		return fmt.Errorf("%w: branch was sponsored by %q's own slot", ErrInvalidState, self)
	}

	if err := lt.tree.applyBranch(b, sponsor); err != nil {
		return err
	}

	lt.tree.nodes[leaf].secret = kp.secretKey()
	lt.tree.nodes[leaf].public = kp.publicKey()
	return lt.tree.updateBranch(lt.tree.lca(sponsor, leaf))
}

// ExportBranch returns the public keys on the path from m's leaf to the
// root.
func (lt *LevelTree) ExportBranch(m MemberID) (*Branch, error) {
	leaf, ok := lt.members[m]
	if !ok {
		return nil, fmt.Errorf("%w: member %q is not in the level tree", ErrNotFound, m)
	}
	return lt.tree.exportBranch(leaf), nil
}

//////////////////////////////////////////////////////////////////////////////
// SPONSORS
//////////////////////////////////////////////////////////////////////////////

// FindSiblingMember picks the member that sponsors the rekey when m leaves.
//
// Only members in m's half of the slot range are considered at first.  If
// both slots adjacent to m are occupied, the lower one wins if it shares
// m's parent and the upper one otherwise.  Otherwise the nearest, second,
// and third nearest members by slot distance are ranked by how far above m
// their common ancestor with m lies.  If m's half is otherwise empty, the
// first member found in the other half is returned.
func (lt *LevelTree) FindSiblingMember(m MemberID) (MemberID, error) {
	self, ok := lt.members[m]
	if !ok {
		return "", fmt.Errorf("%w: member %q is not in the level tree", ErrNotFound, m)
	}

	selfID := lt.tree.nodes[self].id
	separator := lt.Capacity() / 2
	leftHalf := selfID <= separator

	type pair struct {
		first, second nodeIndex
	}
	neighbours := make(map[int]*pair)
	alternative := nilNode

	for _, id := range lt.occupiedIDs() {
		if id == selfID {
			continue
		}

		i := lt.slots[id]
		if (id <= separator) != leftHalf {
			if alternative == nilNode {
				alternative = i
			}
			continue
		}

		d := id - selfID
		if d < 0 {
			d = -d
		}
		if p, ok := neighbours[d]; ok {
			p.second = i
		} else {
			neighbours[d] = &pair{first: i, second: nilNode}
		}
	}

	nearest := nilNode
	if p, ok := neighbours[1]; ok {
		if p.second != nilNode {
			if lt.tree.nodes[p.first].parent == lt.tree.nodes[self].parent {
				return lt.tree.nodes[p.first].data.occupant, nil
			}
			return lt.tree.nodes[p.second].data.occupant, nil
		}
		nearest = p.first
	}

	distances := maps.Keys(neighbours)
	slices.Sort(distances)

	second, third := nilNode, nilNode
	for _, d := range distances {
		if second != nilNode && third != nilNode {
			break
		}
		if second == nilNode {
			second = neighbours[d].first
		}
		if third == nilNode {
			third = neighbours[d].second
		}
	}

	best, bestDist := nilNode, math.MaxInt
	for _, c := range []nodeIndex{nearest, second, third} {
		if c == nilNode {
			continue
		}
		if d := lt.tree.lcaDistance(self, c); d < bestDist {
			best, bestDist = c, d
		}
	}

	if best == nilNode {
		best = alternative
	}
	if best == nilNode {
		return "", fmt.Errorf("%w: no sibling for %q", ErrNoCandidate, m)
	}
	return lt.tree.nodes[best].data.occupant, nil
}

// FindSponsor returns the member in the lowest-numbered occupied slot other
// than changing's.
func (lt *LevelTree) FindSponsor(changing MemberID) (MemberID, error) {
	for _, id := range lt.occupiedIDs() {
		m := lt.tree.nodes[lt.slots[id]].data.occupant
		if m != changing {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: no sponsor other than %q", ErrNoCandidate, changing)
}

//////////////////////////////////////////////////////////////////////////////
// SNAPSHOTS
//////////////////////////////////////////////////////////////////////////////

// ExportSnapshot describes the tree's shape, public keys, and occupants.
func (lt *LevelTree) ExportSnapshot() (*Snapshot, error) {
	nodes, err := lt.tree.exportShape(childID, func(i nodeIndex, info *NodeInfo) {
		if occ := lt.tree.nodes[i].data.occupant; occ != "" {
			info.Occupants = []MemberID{occ}
		}
	})
	if err != nil {
		return nil, err
	}
	return &Snapshot{Height: lt.height, MemberCount: len(lt.members), Nodes: nodes}, nil
}

// ImportLevelTree rebuilds a level tree from a snapshot.  The result holds
// public keys only.
func ImportLevelTree(params Params, snap *Snapshot) (*LevelTree, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ErrInvalidState)
	}

	lt := &LevelTree{tree: newDHTree[levelSlot](params)}
	lt.Reset()
	if len(snap.Nodes) == 0 {
		if snap.Height != 0 || snap.MemberCount != 0 {
			return nil, fmt.Errorf("%w: snapshot of height %d has no nodes",
				ErrInconsistentTree, snap.Height)
		}
		return lt, nil
	}
	if snap.Height < 1 || snap.Height > maxLevelTreeHeight {
		return nil, fmt.Errorf("%w: snapshot has height %d", ErrInconsistentTree, snap.Height)
	}

	err := lt.tree.importShape(snap.Nodes, func(i nodeIndex, info *NodeInfo) error {
		if info.LeftID != nil {
			if len(info.Occupants) != 0 {
				return fmt.Errorf("%w: internal node %d has occupants", ErrInconsistentTree, info.ID)
			}
			return nil
		}

		if _, dup := lt.slots[info.Index]; dup {
			return fmt.Errorf("%w: slot %d appears twice", ErrInconsistentTree, info.Index)
		}
		lt.slots[info.Index] = i

		switch len(info.Occupants) {
		case 0:
		case 1:
			m := info.Occupants[0]
			if m == "" || lt.Contains(m) {
				return fmt.Errorf("%w: bad occupant %q in slot %d", ErrInconsistentTree, m, info.Index)
			}
			lt.tree.nodes[i].data.occupant = m
			lt.members[m] = i
		default:
			return fmt.Errorf("%w: slot %d has %d occupants",
				ErrInconsistentTree, info.Index, len(info.Occupants))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lt.height = snap.Height
	capacity := lt.Capacity()
	if len(lt.slots) != capacity {
		return nil, fmt.Errorf("%w: height %d needs %d slots, snapshot has %d",
			ErrInconsistentTree, snap.Height, capacity, len(lt.slots))
	}
	for id := range lt.slots {
		if id > capacity {
			return nil, fmt.Errorf("%w: slot %d exceeds capacity %d", ErrInconsistentTree, id, capacity)
		}
	}
	if snap.MemberCount != len(lt.members) {
		return nil, fmt.Errorf("%w: snapshot claims %d members, holds %d",
			ErrInconsistentTree, snap.MemberCount, len(lt.members))
	}
	return lt, nil
}
