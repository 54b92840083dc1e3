package core

import (
	"errors"
	"fmt"

	"github.com/luxfi/geth/common"
)

var (
	ErrSequenceGap = errors.New("SEQUENCE:GAP")
	ErrOutOfOrder  = errors.New("SEQUENCE:OUT_OF_ORDER")
)

// SequenceValidator enforces a gap-free nonce per caller. Each caller's
// commands form their own partition starting at nonce 0.
// Not thread-safe. Only accessed from the single-threaded processor.
type SequenceValidator struct {
	expectedNextSeq map[string]int64

	gaps       map[string]int64
	outOfOrder map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		gaps:            make(map[string]int64),
		outOfOrder:      make(map[string]int64),
	}
}

// CallerPartition is the partition key for caller's nonces.
func CallerPartition(caller common.Address) string {
	return "caller:" + caller.Hex()
}

// ValidateSequence accepts the next expected nonce and advances the
// partition. A lower nonce passes only for a known duplicate; a higher one
// is a gap and is refused without advancing.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := sv.expectedNextSeq[partition]

	switch {
	case sourceSequence == expected:
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	case sourceSequence < expected:
		if isDuplicate {
			return nil
		}
		sv.outOfOrder[partition]++
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d", ErrOutOfOrder, partition, expected, sourceSequence)
	default:
		sv.gaps[partition]++
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d", ErrSequenceGap, partition, expected, sourceSequence)
	}
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition sets the next expected nonce (snapshot restore).
func (sv *SequenceValidator) RestorePartition(partition string, next int64) {
	sv.expectedNextSeq[partition] = next
}

// GetAllPartitions copies the next expected nonce of every partition.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for p, n := range sv.expectedNextSeq {
		out[p] = n
	}
	return out
}

func (sv *SequenceValidator) Gaps(partition string) int64 {
	return sv.gaps[partition]
}

func (sv *SequenceValidator) OutOfOrder(partition string) int64 {
	return sv.outOfOrder[partition]
}
