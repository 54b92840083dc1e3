package state_test

import (
	"testing"

	"DerivLedger/internal/state"

	"github.com/stretchr/testify/assert"
)

func TestJournal_RevertRunsNewestFirst(t *testing.T) {
	j := state.NewJournal()
	var order []int

	j.Append(func() { order = append(order, 1) })
	snap := j.Snapshot()
	j.Append(func() { order = append(order, 2) })
	j.Append(func() { order = append(order, 3) })

	j.RevertToSnapshot(snap)

	assert.Equal(t, []int{3, 2}, order)
	assert.Equal(t, 1, j.Length())
}

func TestJournal_NestedSnapshots(t *testing.T) {
	j := state.NewJournal()
	value := 0
	set := func(v int) {
		prev := value
		value = v
		j.Append(func() { value = prev })
	}

	outer := j.Snapshot()
	set(1)
	inner := j.Snapshot()
	set(2)
	set(3)

	j.RevertToSnapshot(inner)
	assert.Equal(t, 1, value)

	j.RevertToSnapshot(outer)
	assert.Equal(t, 0, value)
}

func TestJournal_ResetCommits(t *testing.T) {
	j := state.NewJournal()
	called := false
	j.Append(func() { called = true })

	j.Reset()
	j.RevertToSnapshot(0)

	assert.False(t, called)
	assert.Equal(t, 0, j.Length())
}

func TestJournal_NilIsNoop(t *testing.T) {
	var j *state.Journal
	j.Append(func() {})
	j.RevertToSnapshot(j.Snapshot())
	j.Reset()
	assert.Equal(t, 0, j.Length())
}
