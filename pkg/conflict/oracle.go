package conflict

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"loom/pkg/protocol"
)

// ActiveSource is the slice of the state store the oracle needs: the units
// that currently hold or are about to compete for declared code.
type ActiveSource interface {
	ListByStatus(ctx context.Context, status protocol.Status) ([]protocol.WorkUnit, error)
}

// Oracle detects overlapping declared references between a candidate chunk
// and every unit currently RUNNING or READY.
type Oracle struct {
	refs  RefSource
	units ActiveSource
}

// New returns an Oracle reading declarations from refs and the active set
// from units.
func New(refs RefSource, units ActiveSource) *Oracle {
	return &Oracle{refs: refs, units: units}
}

// Detect returns the first overlap between chunkID's declared references and
// those of any other RUNNING or READY unit, or nil when the chunk is clear
// to dispatch. RUNNING units are checked first, oldest first within each
// status, so the named competitor is deterministic.
func (o *Oracle) Detect(ctx context.Context, chunkID string) (*protocol.ConflictRecord, error) {
	mine, err := o.refs.Refs(chunkID)
	if err != nil {
		return nil, err
	}
	if len(mine) == 0 {
		return nil, nil
	}

	for _, status := range []protocol.Status{protocol.StatusRunning, protocol.StatusReady} {
		units, err := o.units.ListByStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("conflict scan: %w", err)
		}
		for _, u := range units {
			if u.ChunkID == chunkID {
				continue
			}
			theirs, err := o.refs.Refs(u.ChunkID)
			if err != nil {
				return nil, err
			}
			for _, a := range mine {
				for _, b := range theirs {
					if Overlaps(a, b) {
						return &protocol.ConflictRecord{
							ChunkID:          chunkID,
							CompetingChunkID: u.ChunkID,
							Description:      describe(a, b),
						}, nil
					}
				}
			}
		}
	}
	return nil, nil
}

// Overlaps reports whether two declared references claim the same code: the
// same file with symbols identical, hierarchically related (one a dotted
// ancestor of the other), whole-file on either side, or intersecting line
// ranges.
func Overlaps(a, b protocol.CodeRef) bool {
	if a.File != b.File {
		return false
	}
	return symbolsOverlap(a.Symbol, b.Symbol)
}

func symbolsOverlap(a, b string) bool {
	if a == "" || b == "" {
		return true // whole-file claim covers every symbol
	}
	if a == b {
		return true
	}
	ra, aOK := parseRange(a)
	rb, bOK := parseRange(b)
	if aOK && bOK {
		return ra.lo <= rb.hi && rb.lo <= ra.hi
	}
	if aOK != bOK {
		// A symbol path and a line range are not comparable.
		return false
	}
	return strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}

type lineRange struct {
	lo, hi int
}

// rangePattern matches "L10-L40" and single lines "L42".
var rangePattern = regexp.MustCompile(`^L(\d+)(?:-L(\d+))?$`)

func parseRange(s string) (lineRange, bool) {
	m := rangePattern.FindStringSubmatch(s)
	if m == nil {
		return lineRange{}, false
	}
	lo, err := strconv.Atoi(m[1])
	if err != nil {
		return lineRange{}, false
	}
	hi := lo
	if m[2] != "" {
		if hi, err = strconv.Atoi(m[2]); err != nil {
			return lineRange{}, false
		}
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	return lineRange{lo: lo, hi: hi}, true
}

func describe(a, b protocol.CodeRef) string {
	return fmt.Sprintf("both touch %s (%s / %s)", a.File, symbolOrWholeFile(a), symbolOrWholeFile(b))
}

func symbolOrWholeFile(r protocol.CodeRef) string {
	if r.Symbol == "" {
		return "whole file"
	}
	return r.Symbol
}

// Resolve applies an operator verdict to the unit in memory; the scheduler
// persists the result. SERIALIZE is one atomic update: the competitor joins
// blocked_by, the status becomes BLOCKED, and the attention fields clear.
// attention_reason must never survive this transition.
func Resolve(u *protocol.WorkUnit, competingChunkID string, verdict protocol.Verdict) error {
	switch verdict {
	case protocol.VerdictSerialize:
		u.AddBlocker(competingChunkID)
		u.Status = protocol.StatusBlocked
		u.AttentionReason = ""
		u.AttentionAt = nil
		return nil
	default:
		return &protocol.UnknownVerdictError{Verdict: verdict}
	}
}
