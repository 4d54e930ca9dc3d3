package tgdh

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// MemberConfig is one entry of a group config file.
type MemberConfig struct {
	ID    MemberID
	Level int
}

func parseMember(fields []string, lineNum int, nameSet map[string]bool) (MemberConfig, error) {
	numFields := len(fields)
	if numFields != 2 {
		return MemberConfig{}, fmt.Errorf("config file line %d has %d fields; expected 2",
			lineNum, numFields)
	}

	name := fields[0]
	if nameSet[name] {
		return MemberConfig{}, fmt.Errorf("config file has multiple entries for %q", name)
	}
	nameSet[name] = true

	level, err := strconv.Atoi(fields[1])
	if err != nil {
		return MemberConfig{}, fmt.Errorf("config file line %d: bad level %q", lineNum, fields[1])
	}
	if err := checkLevel(level); err != nil {
		return MemberConfig{}, fmt.Errorf("config file line %d: %w", lineNum, err)
	}

	return MemberConfig{ID: MemberID(name), Level: level}, nil
}

// ParseMembers reads a group config: one "NAME LEVEL" pair per line.  Blank
// lines and lines starting with '#' are skipped.
func ParseMembers(r io.Reader) ([]MemberConfig, error) {
	members := make([]MemberConfig, 0)
	nameSet := make(map[string]bool)

	lineNum := 0
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		m, err := parseMember(fields, lineNum, nameSet)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	if len(members) == 0 {
		return nil, fmt.Errorf("no members in the group")
	}

	return members, nil
}

func ReadMembersFromFile(configFile string) ([]MemberConfig, error) {
	file, err := os.Open(configFile)
	if err != nil {
		return nil, fmt.Errorf("can't open config file: %v", err)
	}
	defer file.Close()

	return ParseMembers(file)
}
