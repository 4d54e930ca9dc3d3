package tgdh

import (
	"github.com/syslab-wm/tgdh/internal/jsonutl"
)

// JoinAnswer is what a joining member receives from its contact: the group
// parameters and the contact's replicas of the trees.  LevelTree is nil
// when the joiner opens a new level.
type JoinAnswer struct {
	Params        Params    `json:"params"`
	LevelTree     *Snapshot `json:"levelTree,omitempty"`
	HierarchyTree *Snapshot `json:"hierarchyTree,omitempty"`
}

// Save writes the join answer to a file in JSON format.
func (ja *JoinAnswer) Save(fileName string) error {
	return jsonutl.Encode(fileName, ja)
}

// Read reads a join answer from a JSON file.
func (ja *JoinAnswer) Read(fileName string) error {
	return jsonutl.Decode(fileName, ja)
}

// KeyUpdate records the branches broadcast after a join or leave.
//
// LevelBranch goes to the members of Level.  It is nil when a level's only
// member leaves.  HierarchyBranch goes to every member; it is nil once the
// group is empty.
type KeyUpdate struct {
	Event  string   `json:"event"`
	Member MemberID `json:"member"`
	Level  int      `json:"level"`

	LevelSponsor MemberID `json:"levelSponsor,omitempty"`
	LevelBranch  *Branch  `json:"levelBranch,omitempty"`

	HierarchySponsor MemberID `json:"hierarchySponsor,omitempty"`
	HierarchyBranch  *Branch  `json:"hierarchyBranch,omitempty"`
}

const (
	EventJoin  = "join"
	EventLeave = "leave"
)

// Save writes the key update to a file in JSON format.
func (ku *KeyUpdate) Save(fileName string) error {
	return jsonutl.Encode(fileName, ku)
}

// Read reads a key update from a JSON file.
func (ku *KeyUpdate) Read(fileName string) error {
	return jsonutl.Decode(fileName, ku)
}
