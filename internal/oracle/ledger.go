package oracle

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"DerivLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

var (
	ErrDataAlreadyExist = errors.New("ORACLE_AGGREGATOR:DATA_ALREADY_EXIST")
	ErrDataDoesntExist  = errors.New("ORACLE_AGGREGATOR:DATA_DOESNT_EXIST")
)

// Key addresses a single observation pushed by a data source.
type Key struct {
	Source    common.Address
	Timestamp uint64
}

// Record is an exported observation, used by snapshots and queries.
type Record struct {
	Source    common.Address
	Timestamp uint64
	Value     *uint256.Int
}

// Ledger is the write-once price store that gates execution.
// Not thread-safe. The owning processor serializes access.
type Ledger struct {
	records map[Key]*uint256.Int
	journal *state.Journal
}

func NewLedger(journal *state.Journal) *Ledger {
	return &Ledger{
		records: make(map[Key]*uint256.Int),
		journal: journal,
	}
}

// Callback stores the value a data source observed at timestamp.
// The source is always the caller; nobody can push on another source's behalf.
func (l *Ledger) Callback(source common.Address, timestamp uint64, value *uint256.Int) error {
	if value == nil {
		return fmt.Errorf("oracle callback from %s at %d: nil value", source.Hex(), timestamp)
	}

	key := Key{Source: source, Timestamp: timestamp}
	if _, exists := l.records[key]; exists {
		return fmt.Errorf("%w: source=%s timestamp=%d", ErrDataAlreadyExist, source.Hex(), timestamp)
	}

	l.records[key] = new(uint256.Int).Set(value)
	l.journal.Append(func() { delete(l.records, key) })
	return nil
}

// GetData returns a copy of the stored observation.
func (l *Ledger) GetData(source common.Address, timestamp uint64) (*uint256.Int, error) {
	v, ok := l.records[Key{Source: source, Timestamp: timestamp}]
	if !ok {
		return nil, fmt.Errorf("%w: source=%s timestamp=%d", ErrDataDoesntExist, source.Hex(), timestamp)
	}
	return new(uint256.Int).Set(v), nil
}

func (l *Ledger) HasData(source common.Address, timestamp uint64) bool {
	_, ok := l.records[Key{Source: source, Timestamp: timestamp}]
	return ok
}

func (l *Ledger) Len() int {
	return len(l.records)
}

// Records exports every observation ordered by (source, timestamp).
func (l *Ledger) Records() []Record {
	out := make([]Record, 0, len(l.records))
	for k, v := range l.records {
		out = append(out, Record{Source: k.Source, Timestamp: k.Timestamp, Value: new(uint256.Int).Set(v)})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Source[:], out[j].Source[:]); c != 0 {
			return c < 0
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// Restore replaces the store contents with the given records (snapshot load).
func (l *Ledger) Restore(records []Record) error {
	restored := make(map[Key]*uint256.Int, len(records))
	for _, r := range records {
		key := Key{Source: r.Source, Timestamp: r.Timestamp}
		if _, dup := restored[key]; dup {
			return fmt.Errorf("%w in snapshot: source=%s timestamp=%d", ErrDataAlreadyExist, r.Source.Hex(), r.Timestamp)
		}
		if r.Value == nil {
			return fmt.Errorf("snapshot record source=%s timestamp=%d has nil value", r.Source.Hex(), r.Timestamp)
		}
		restored[key] = new(uint256.Int).Set(r.Value)
	}
	l.records = restored
	return nil
}
