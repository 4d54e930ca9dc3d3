package tgdh

import (
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testParamsOnce sync.Once
	testParamsVal  Params
	testParamsErr  error
)

// testParams is a small safe-prime group that keeps the tests fast.
func testParams(t testing.TB) Params {
	testParamsOnce.Do(func() {
		testParamsVal, testParamsErr = GenerateParams(128, nil)
	})
	require.NoError(t, testParamsErr)
	return testParamsVal
}

func tinyParams(t testing.TB) Params {
	params, err := NewParams(big.NewInt(23), big.NewInt(5))
	require.NoError(t, err)
	return params
}

func mustKeyPair(t testing.TB, params Params) KeyPair {
	kp, err := GenerateKeyPair(params, nil)
	require.NoError(t, err)
	return kp
}

// levelReplicas simulates the members of one level, each holding its own
// replica of the level tree.
type levelReplicas struct {
	t      *testing.T
	params Params
	trees  map[MemberID]*LevelTree
	keys   map[MemberID]KeyPair
	order  []MemberID
}

func newLevelReplicas(t *testing.T, params Params) *levelReplicas {
	return &levelReplicas{
		t:      t,
		params: params,
		trees:  make(map[MemberID]*LevelTree),
		keys:   make(map[MemberID]KeyPair),
	}
}

func (r *levelReplicas) first() *LevelTree {
	for _, id := range r.order {
		if lt, ok := r.trees[id]; ok {
			return lt
		}
	}
	return nil
}

func (r *levelReplicas) join(m MemberID) {
	t := r.t

	var lt *LevelTree
	var err error
	if existing := r.first(); existing == nil {
		lt, err = NewLevelTree(r.params)
		require.NoError(t, err)
	} else {
		lt, err = ImportLevelTree(r.params, mustLevelSnapshot(t, existing))
		require.NoError(t, err)
		for _, other := range r.trees {
			require.NoError(t, other.AddMember(m))
		}
	}
	require.NoError(t, lt.AddMember(m))

	kp := mustKeyPair(t, r.params)
	r.trees[m] = lt
	r.keys[m] = kp
	r.order = append(r.order, m)

	require.NoError(t, lt.UpdateKeysFromMaster(m, kp))
	b, err := lt.ExportBranch(m)
	require.NoError(t, err)
	r.broadcast(m, b)
}

func (r *levelReplicas) leave(m MemberID) MemberID {
	t := r.t

	lt := r.trees[m]
	require.NotNil(t, lt)
	delete(r.trees, m)
	delete(r.keys, m)
	if len(r.trees) == 0 {
		return ""
	}

	sponsor, err := lt.FindSiblingMember(m)
	require.NoError(t, err)

	for _, other := range r.trees {
		require.NoError(t, other.RemoveMember(m))
	}

	kp := mustKeyPair(t, r.params)
	r.keys[sponsor] = kp
	require.NoError(t, r.trees[sponsor].UpdateKeysFromMaster(sponsor, kp))
	b, err := r.trees[sponsor].ExportBranch(sponsor)
	require.NoError(t, err)
	r.broadcast(sponsor, b)
	return sponsor
}

func (r *levelReplicas) broadcast(sender MemberID, b *Branch) {
	for id, lt := range r.trees {
		if id == sender {
			continue
		}
		require.NoError(r.t, lt.UpdateKeysFromBranch(id, r.keys[id], b))
	}
}

func (r *levelReplicas) requireConverged() {
	t := r.t

	ref := r.first()
	require.NotNil(t, ref)
	wantSecret, wantPublic := ref.RootKeys()
	require.True(t, wantSecret.IsSome())
	require.True(t, wantPublic.IsSome())

	for id, lt := range r.trees {
		secret, public := lt.RootKeys()
		require.True(t, wantSecret.Equal(secret), "member %q root secret differs", id)
		require.True(t, wantPublic.Equal(public), "member %q root public key differs", id)
		require.Equal(t, ref.Members(), lt.Members())
	}
}

func mustLevelSnapshot(t testing.TB, lt *LevelTree) *Snapshot {
	snap, err := lt.ExportSnapshot()
	require.NoError(t, err)
	return snap
}

func mustHierarchySnapshot(t testing.TB, ht *HierarchyTree) *Snapshot {
	snap, err := ht.ExportSnapshot()
	require.NoError(t, err)
	return snap
}
