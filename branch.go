package tgdh

import (
	"github.com/syslab-wm/tgdh/internal/jsonutl"
)

// MemberID identifies a group member.
type MemberID string

// BranchNode is one entry of a [Branch].
type BranchNode struct {
	ID        int `json:"id"`
	ParentID  int `json:"parentId"`
	PublicKey Key `json:"publicKey"`
}

// Branch carries the public keys on the path from a sponsor's leaf to the
// root, in leaf-to-root order.  It is the message a sponsor broadcasts
// after recomputing its path.
//
// Leaves are named by their real id (slot index or hierarchy level),
// internal nodes by synthetic negative ids, and the root by 0.
type Branch struct {
	SponsorLeafID int          `json:"sponsorLeafId"`
	Nodes         []BranchNode `json:"nodes"`
}

// Node returns the entry with the given id.
func (b *Branch) Node(id int) (BranchNode, bool) {
	for _, bn := range b.Nodes {
		if bn.ID == id {
			return bn, true
		}
	}
	return BranchNode{}, false
}

// RootPublicKey returns the public key of the root entry.
func (b *Branch) RootPublicKey() Key {
	bn, ok := b.Node(0)
	if !ok {
		return NoKey
	}
	return bn.PublicKey
}

// Save writes the branch to a file in JSON format.
func (b *Branch) Save(fileName string) error {
	return jsonutl.Encode(fileName, b)
}

// Read reads a branch from a JSON file.
func (b *Branch) Read(fileName string) error {
	return jsonutl.Decode(fileName, b)
}
