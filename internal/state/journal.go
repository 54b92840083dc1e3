package state

// Journal records inverse operations so that a failed operation can be rolled
// back to the state it started from. Every settlement component appends an
// undo closure before it mutates its own maps.
//
// Not thread-safe. Only accessed from the single-threaded processor.
type Journal struct {
	entries []func()
}

func NewJournal() *Journal {
	return &Journal{}
}

// Append registers the inverse of a mutation that is about to happen.
func (j *Journal) Append(undo func()) {
	if j == nil {
		return
	}
	j.entries = append(j.entries, undo)
}

// Snapshot returns an identifier for the current revision.
func (j *Journal) Snapshot() int {
	if j == nil {
		return 0
	}
	return len(j.entries)
}

// RevertToSnapshot undoes, newest first, every mutation recorded after id.
func (j *Journal) RevertToSnapshot(id int) {
	if j == nil {
		return
	}
	for i := len(j.entries) - 1; i >= id; i-- {
		j.entries[i]()
		j.entries[i] = nil
	}
	j.entries = j.entries[:id]
}

// Reset drops all undo entries once the enclosing operation is committed.
func (j *Journal) Reset() {
	if j == nil {
		return
	}
	for i := range j.entries {
		j.entries[i] = nil
	}
	j.entries = j.entries[:0]
}

// Length returns the number of recorded entries.
func (j *Journal) Length() int {
	if j == nil {
		return 0
	}
	return len(j.entries)
}
