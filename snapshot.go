package tgdh

import (
	"github.com/syslab-wm/tgdh/internal/jsonutl"
)

// NodeInfo describes one node in a [Snapshot].
type NodeInfo struct {
	// ID is the node's name within the snapshot: the root is 0, leaves use
	// their Index, and internal nodes use synthetic negative ids.
	ID       int  `json:"id"`
	ParentID *int `json:"parentId,omitempty"`
	LeftID   *int `json:"leftId,omitempty"`
	RightID  *int `json:"rightId,omitempty"`

	// Index is a leaf's slot index (level trees) or hierarchy level
	// (hierarchy trees).  It is zero for internal nodes.
	Index int `json:"index"`

	PublicKey Key `json:"publicKey"`

	Occupants      []MemberID `json:"occupants,omitempty"`
	Responsibility []int      `json:"responsibility,omitempty"`
}

// Snapshot is a serializable copy of a tree's shape, public keys, and
// occupants.  It bootstraps a joining member's replica.  Secret keys are
// never exported.
type Snapshot struct {
	// Height is set for level trees.
	Height int `json:"height,omitempty"`

	// MinLevel and MaxLevel are set for hierarchy trees.
	MinLevel int `json:"minLevel,omitempty"`
	MaxLevel int `json:"maxLevel,omitempty"`

	MemberCount int               `json:"memberCount"`
	Nodes       map[int]*NodeInfo `json:"nodes"`
}

// Save writes the snapshot to a file in JSON format.
func (s *Snapshot) Save(fileName string) error {
	return jsonutl.Encode(fileName, s)
}

// Read reads a snapshot from a JSON file.
func (s *Snapshot) Read(fileName string) error {
	return jsonutl.Decode(fileName, s)
}
