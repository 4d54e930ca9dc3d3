package tgdh

import "errors"

var (
	// ErrNotFound is returned for operations on an absent member, level, or
	// node id.
	ErrNotFound = errors.New("tgdh: not found")

	// ErrInvalidState is returned when an operation's precondition does not
	// hold, such as adding a member twice or updating an empty tree.
	ErrInvalidState = errors.New("tgdh: invalid state")

	// ErrInconsistentTree signals a violated structural invariant, such as
	// an internal node with a missing child.  It indicates a defect, not a
	// recoverable condition.
	ErrInconsistentTree = errors.New("tgdh: inconsistent tree")

	// ErrNoCandidate is returned when a sibling or sponsor search finds no
	// member at all.  For trees with two or more members it indicates a
	// defect.
	ErrNoCandidate = errors.New("tgdh: no candidate")
)
