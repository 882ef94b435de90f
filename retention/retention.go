// Package retention decides which snapshots of a stream to delete.
//
// Ages are measured from a reference time ("now").
// Snapshots younger than Base are all kept.
// Beyond that, ages are divided into Tiers successive bands,
// band k covering [Base·2^(k-1), Base·2^k),
// and only the newest snapshot in each band is kept.
// Of the snapshots older than the last band,
// only the oldest is kept,
// as an anchor for future incremental transfers.
// The newest snapshot overall is never deleted.
//
// The number of kept snapshots outside the keep-all window
// is therefore at most Tiers+1,
// no matter how long the history is.
package retention

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Entry is a snapshot as seen by the planner.
type Entry struct {
	Number    int
	CreatedAt time.Time
}

// Policy parameterizes the planner.
type Policy struct {
	Base  time.Duration
	Tiers int
}

// MaxTiers bounds Policy.Tiers so that Base·2^Tiers stays meaningful.
const MaxTiers = 62

// Validate reports whether p can be used for planning.
func (p Policy) Validate() error {
	if p.Base <= 0 {
		return errors.Errorf("retention base must be positive, got %s", p.Base)
	}
	if p.Tiers < 0 || p.Tiers > MaxTiers {
		return errors.Errorf("retention tiers must be in [0, %d], got %d", MaxTiers, p.Tiers)
	}
	return nil
}

// Tier tells which band an age falls in:
// 0 for the keep-all window,
// 1 through p.Tiers for the bands,
// and p.Tiers+1 for everything older.
// Negative ages count as zero.
func (p Policy) Tier(age time.Duration) int {
	if age < p.Base {
		return 0
	}
	upper := p.Base
	for k := 1; k <= p.Tiers; k++ {
		if upper > math.MaxInt64/2 {
			// Band k and all later ones are unbounded.
			return k
		}
		upper *= 2
		if age < upper {
			return k
		}
	}
	return p.Tiers + 1
}

// Plan is the outcome of planning: snapshot numbers to keep and to delete, both ascending.
type Plan struct {
	Keep   []int
	Delete []int
}

// Compute plans the pruning of entries as of now.
// Entries may be given in any order.
// Compute does not validate p; see Policy.Validate.
func Compute(now time.Time, entries []Entry, p Policy) Plan {
	if len(entries) == 0 {
		return Plan{}
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	var (
		keep   = make(map[int]bool)
		newest = make(map[int]int) // tier -> highest number seen in it
		beyond = p.Tiers + 1
		anchor = -1
	)

	keep[sorted[len(sorted)-1].Number] = true

	for _, e := range sorted {
		age := now.Sub(e.CreatedAt)
		switch tier := p.Tier(age); tier {
		case 0:
			keep[e.Number] = true

		case beyond:
			if anchor < 0 {
				anchor = e.Number
			}

		default:
			newest[tier] = e.Number // sorted ascending, so the last one wins
		}
	}

	for _, n := range newest {
		keep[n] = true
	}
	if anchor >= 0 {
		keep[anchor] = true
	}

	var plan Plan
	for _, e := range sorted {
		if keep[e.Number] {
			plan.Keep = append(plan.Keep, e.Number)
		} else {
			plan.Delete = append(plan.Delete, e.Number)
		}
	}
	return plan
}
