// Copyright (c) 2026 Relsync. All rights reserved.

package union_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relsync/relsync/internal/ivm/change"
	"github.com/relsync/relsync/internal/ivm/op"
	"github.com/relsync/relsync/internal/ivm/operator/filter"
	"github.com/relsync/relsync/internal/ivm/operator/union"
	"github.com/relsync/relsync/internal/ivm/row"
	"github.com/relsync/relsync/internal/ivm/source"
	"github.com/relsync/relsync/internal/ivm/value"
)

func tRow(a float64, category string) row.Row {
	return row.Row{"a": value.Number(a), "category": value.String(category)}
}

func isRed(r row.Row) bool  { return value.Equal(r.Get("category"), value.String("red")) }
func isBlue(r row.Row) bool { return value.Equal(r.Get("category"), value.String("blue")) }

type captureOutput struct{ changes []change.Change }

func (c *captureOutput) Push(ch change.Change) { c.changes = append(c.changes, ch) }

// TestFanOut_DeliversSamePushToEveryBranch verifies a single upstream push
// reaches both branches' own Outputs.
func TestFanOut_DeliversSamePushToEveryBranch(t *testing.T) {
	s := source.New("t", row.PrimaryKey{"a"}, nil)
	conn, err := s.Connect(row.Ordering{{Column: "a"}}, nil, nil)
	require.NoError(t, err)

	fo := union.New(conn, 2)
	out0, out1 := &captureOutput{}, &captureOutput{}
	fo.Branch(0).SetOutput(out0)
	fo.Branch(1).SetOutput(out1)

	require.NoError(t, s.Push(change.NewSourceAdd(tRow(1, "red"))))
	require.Len(t, out0.changes, 1)
	require.Len(t, out1.changes, 1)
}

// TestFanIn_DedupesAcrossBranchesAndDefersUntilFanOutDone reproduces the
// typical union-of-two-predicates topology: FanOut splits one source into
// a "red" branch and a "blue" branch, each filtered independently, and
// FanIn recombines them, deduplicated by primary key, emitting only after
// FanOut's push has finished fanning out to both branches.
func TestFanIn_DedupesAcrossBranchesAndDefersUntilFanOutDone(t *testing.T) {
	s := source.New("t", row.PrimaryKey{"a"}, nil)
	require.NoError(t, s.Push(change.NewSourceAdd(tRow(1, "red"))))
	require.NoError(t, s.Push(change.NewSourceAdd(tRow(2, "blue"))))
	conn, err := s.Connect(row.Ordering{{Column: "a"}}, nil, nil)
	require.NoError(t, err)

	fo := union.New(conn, 2)
	redBranch := filter.New(fo.Branch(0), isRed)
	blueBranch := filter.New(fo.Branch(1), isBlue)

	fi := union.NewFanIn(row.PrimaryKey{"a"}, fo, []op.Input{redBranch, blueBranch})
	out := &captureOutput{}
	fi.SetOutput(out)

	initial := op.Nodes(fi.Fetch(op.FetchRequest{}))
	require.Len(t, initial, 2)

	require.NoError(t, s.Push(change.NewSourceAdd(tRow(3, "red"))))
	require.Len(t, out.changes, 1, "fan-in must emit exactly once per row, only after fan-out's push completes")
	assert.Equal(t, change.Add, out.changes[0].Kind)
	assert.Equal(t, value.Number(3), out.changes[0].Node.Row.Get("a"))
}

func TestFanIn_NonMatchingPushReachesNoBranchAndEmitsNothing(t *testing.T) {
	s := source.New("t", row.PrimaryKey{"a"}, nil)
	conn, err := s.Connect(row.Ordering{{Column: "a"}}, nil, nil)
	require.NoError(t, err)

	fo := union.New(conn, 2)
	redBranch := filter.New(fo.Branch(0), isRed)
	blueBranch := filter.New(fo.Branch(1), isBlue)
	fi := union.NewFanIn(row.PrimaryKey{"a"}, fo, []op.Input{redBranch, blueBranch})
	out := &captureOutput{}
	fi.SetOutput(out)

	require.NoError(t, s.Push(change.NewSourceAdd(tRow(1, "green"))))
	assert.Empty(t, out.changes)
}
