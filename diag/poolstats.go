// Package diag exports a Pool's free-area histogram for offline
// inspection. It is passive, read-only instrumentation: it never
// changes allocator behavior and is not a memory-pressure callback
// (spec.md's Non-goals exclude the latter, not the former).
package diag

import (
	"fmt"
	"time"

	"github.com/google/pprof/profile"

	"hyppool/pool"
)

// Snapshot is the free-block count and byte total for one order.
type Snapshot struct {
	Order  uint8
	Blocks uint64
	Bytes  uint64
}

// SnapshotOf walks p's free-area histogram and returns one Snapshot
// per order that currently has at least one free block.
func SnapshotOf(p *pool.Pool) []Snapshot {
	hist := p.Histogram()
	out := make([]Snapshot, 0, len(hist))
	for k, blocks := range hist {
		if blocks == 0 {
			continue
		}
		out = append(out, Snapshot{
			Order:  uint8(k),
			Blocks: blocks,
			Bytes:  blocks * (uint64(pool.PageSize) << uint(k)),
		})
	}
	return out
}

// ProfileOf renders p's free-area histogram as a pprof profile: one
// sample per order that has at least one free block (orders with none
// get no sample), with "blocks" and "bytes" sample values and an
// "order" label. Open it with `go tool pprof` to inspect fragmentation
// — the nearest idiomatic Go analogue of /proc/buddyinfo.
func ProfileOf(p *pool.Pool) *profile.Profile {
	snaps := SnapshotOf(p)

	loc := &profile.Location{ID: 1}
	fn := &profile.Function{ID: 1, Name: "free_area"}
	loc.Line = []profile.Line{{Function: fn}}

	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "blocks", Unit: "count"},
			{Type: "bytes", Unit: "bytes"},
		},
		Location:   []*profile.Location{loc},
		Function:   []*profile.Function{fn},
		TimeNanos:  time.Now().UnixNano(),
		PeriodType: &profile.ValueType{Type: "snapshot", Unit: "count"},
		Period:     1,
	}

	for _, s := range snaps {
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(s.Blocks), int64(s.Bytes)},
			Label:    map[string][]string{"order": {fmt.Sprintf("%d", s.Order)}},
		})
	}

	return prof
}
