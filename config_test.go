package tgdh_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/syslab-wm/tgdh"
)

func TestParseMembers(t *testing.T) {
	config := `# name level
alice 1

bob   3
  carol 1
`
	members, err := tgdh.ParseMembers(strings.NewReader(config))
	require.NoError(t, err)
	require.Equal(t, []tgdh.MemberConfig{
		{ID: "alice", Level: 1},
		{ID: "bob", Level: 3},
		{ID: "carol", Level: 1},
	}, members)
}

func TestParseMembersErrors(t *testing.T) {
	tests := []struct {
		name   string
		config string
		substr string
	}{
		{"empty", "# nothing here\n\n", "no members"},
		{"fields", "alice 1 extra\n", "has 3 fields"},
		{"duplicate", "alice 1\nalice 2\n", "multiple entries"},
		{"bad level", "alice one\n", "bad level"},
		{"zero level", "alice 0\n", "out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tgdh.ParseMembers(strings.NewReader(tt.config))
			require.ErrorContains(t, err, tt.substr)
		})
	}
}

func TestReadMembersFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group.cfg")
	require.NoError(t, os.WriteFile(path, []byte("alice 2\nbob 2\n"), 0600))

	members, err := tgdh.ReadMembersFromFile(path)
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, tgdh.MemberID("bob"), members[1].ID)

	_, err = tgdh.ReadMembersFromFile(filepath.Join(t.TempDir(), "missing.cfg"))
	require.Error(t, err)
}
