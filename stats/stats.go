// Package stats provides zero-cost-when-disabled counters for the
// allocator. Counting is gated by the Stats build-time toggle, the
// same pattern the donor kernel uses for its own IRQ/scheduling
// counters: when disabled, Inc is a no-op and costs nothing beyond the
// branch.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
)

// Stats enables counter accumulation. Flip to true to account for
// allocator activity at the cost of an atomic increment per operation.
const Stats = false

// Counter_t is a statistical counter, incremented atomically.
type Counter_t int64

// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	if Stats {
		atomic.AddInt64((*int64)(c), 1)
	}
}

// Add increments the counter by delta.
func (c *Counter_t) Add(delta int64) {
	if Stats {
		atomic.AddInt64((*int64)(c), delta)
	}
}

// Get returns the counter's current value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// PoolCounters accumulates per-pool allocator activity. Embed this in
// the pool to track allocate/release/split/coalesce traffic without
// touching the hot-path code when Stats is disabled.
type PoolCounters struct {
	Allocs    Counter_t
	Releases  Counter_t
	Splits    Counter_t
	Coalesces Counter_t
	Retains   Counter_t
}

// String dumps every Counter_t field of st using reflection, in the
// donor's "#Field: value" format. Returns "" when Stats is disabled.
func String(st interface{}) string {
	if !Stats {
		return ""
	}
	v := reflect.ValueOf(st)
	var s strings.Builder
	for i := 0; i < v.NumField(); i++ {
		ft := v.Type().Field(i)
		if !strings.HasSuffix(ft.Type.String(), "Counter_t") {
			continue
		}
		n := v.Field(i).Interface().(Counter_t)
		s.WriteString("\n\t#")
		s.WriteString(ft.Name)
		s.WriteString(": ")
		s.WriteString(strconv.FormatInt(int64(n), 10))
	}
	s.WriteString("\n")
	return s.String()
}
