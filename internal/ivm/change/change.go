// Copyright (c) 2026 Relsync. All rights reserved.

/*
Package change defines the delta types that flow through the operator graph
(Change) and into a Source (SourceChange).

Core Responsibility:

  - Change: what an operator emits to its output — add/remove/edit of a row
    at its own level, or a nested child delta.
  - SourceChange: what a caller pushes into a Source — add/remove/edit/set.

Both are tagged unions expressed as a Kind plus the fields relevant to that
kind; unused fields are left zero rather than modeled as separate types, to
keep a single value type that a push call-tree can pass around without
allocation-heavy boxing.
*/
package change

import "github.com/relsync/relsync/internal/ivm/row"

// # Operator-level Change

// Kind tags the variant of a [Change].
type Kind int

const (
	// Add: a row entered the operator's output.
	Add Kind = iota
	// Remove: a row left the operator's output.
	Remove
	// Edit: a non-relationship mutation of a row already in the output.
	Edit
	// Child: a descendant row under a relationship changed; Node carries
	// only the parent row.
	Child
)

// String returns a human-readable tag for logging.
func (k Kind) String() string {
	switch k {
	case Add:
		return "add"
	case Remove:
		return "remove"
	case Edit:
		return "edit"
	case Child:
		return "child"
	default:
		return "unknown"
	}
}

// ChildChange names the relationship a [Child] change occurred under and
// carries the nested change itself.
type ChildChange struct {
	RelationshipName string
	Change           Change
}

// Change is a delta an operator emits to its output.
//
//   - Add/Remove: Node is populated, OldNode is zero.
//   - Edit: Node is the new node, OldNode is the node before the edit. The
//     edit's old and new row MUST agree on any columns used as parent- or
//     child-keys of any enclosing join; the planner is responsible for
//     splitting an edit that would violate this into Remove+Add.
//   - Child: Node carries the parent row only; Child describes the nested
//     delta under Node.Relationships[Child.RelationshipName].
type Change struct {
	Kind    Kind
	Node    row.Node
	OldNode row.Node
	Child   ChildChange
}

// NewAdd constructs an [Add] change.
func NewAdd(n row.Node) Change { return Change{Kind: Add, Node: n} }

// NewRemove constructs a [Remove] change.
func NewRemove(n row.Node) Change { return Change{Kind: Remove, Node: n} }

// NewEdit constructs an [Edit] change.
func NewEdit(oldNode, newNode row.Node) Change {
	return Change{Kind: Edit, Node: newNode, OldNode: oldNode}
}

// NewChild constructs a [Child] change.
func NewChild(parent row.Node, relationshipName string, nested Change) Change {
	return Change{
		Kind: Child,
		Node: parent,
		Child: ChildChange{
			RelationshipName: relationshipName,
			Change:           nested,
		},
	}
}

// # Source-level Change

// SourceKind tags the variant of a [SourceChange].
type SourceKind int

const (
	// SourceAdd inserts a new row; fails loudly if the primary key already exists.
	SourceAdd SourceKind = iota
	// SourceRemove deletes an existing row; fails loudly if it is missing.
	SourceRemove
	// SourceEdit mutates an existing row; fails loudly if it is missing.
	SourceEdit
	// SourceSet is an idempotent upsert: resolved to Add or Edit by the
	// Source depending on whether the primary key currently exists.
	SourceSet
)

// SourceChange is the input variant accepted by [Source.Push].
type SourceChange struct {
	Kind SourceKind
	Row  row.Row
	// OldRow is required for SourceEdit (the row being replaced) and is
	// ignored for the other kinds.
	OldRow row.Row
}

// NewSourceAdd constructs a [SourceAdd] change.
func NewSourceAdd(r row.Row) SourceChange { return SourceChange{Kind: SourceAdd, Row: r} }

// NewSourceRemove constructs a [SourceRemove] change.
func NewSourceRemove(r row.Row) SourceChange { return SourceChange{Kind: SourceRemove, Row: r} }

// NewSourceEdit constructs a [SourceEdit] change.
func NewSourceEdit(oldRow, newRow row.Row) SourceChange {
	return SourceChange{Kind: SourceEdit, Row: newRow, OldRow: oldRow}
}

// NewSourceSet constructs a [SourceSet] change.
func NewSourceSet(r row.Row) SourceChange { return SourceChange{Kind: SourceSet, Row: r} }
