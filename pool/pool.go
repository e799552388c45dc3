// Package pool implements a binary-buddy physical frame allocator for
// a bounded pool of page-sized frames. It hands out power-of-two
// block sizes and reclaims frames via reference counting plus buddy
// coalescing.
//
// The pool does not own physical memory or the frame map itself; it
// is driven through a Translator, the set of pure address-translation
// functions any embedder (typically a hypervisor's private address
// space) must supply. See Translator for the contract.
package pool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"hyppool/stats"
	"hyppool/util"
)

// PageSize is the size, in bytes, of a single frame managed by a Pool.
const PageSize = 1 << 12 // 4096

// MaxOrder is the implementation ceiling on block order: a Pool's own
// max_order is min(MaxOrder, ceil(log2(nrPages))).
const MaxOrder Order = 10

// Order identifies a power-of-two block size (2^order frames).
type Order uint8

// NoOrder is the sentinel stored in a PageDescriptor that is not the
// head of any block — an interior frame of a larger block.
const NoOrder Order = 0xFF

// PageDescriptor is the per-frame metadata slot a Translator's frame
// map holds one of for every physical frame in range. Only a Pool
// mutates it, and only while holding the Pool's lock (order) or via
// atomic refcount ops (refcount).
type PageDescriptor struct {
	order    Order
	refcount uint32
}

// Order reports the descriptor's order field. It is NoOrder unless d
// is the head of a block (free or allocated). Mutated only under the
// owning Pool's lock; callers outside the pool package should treat
// this as an advisory snapshot.
func (d *PageDescriptor) Order() Order {
	return d.order
}

// Refcount reports the descriptor's current reference count.
func (d *PageDescriptor) Refcount() uint32 {
	return atomic.LoadUint32(&d.refcount)
}

// Translator supplies the address-translation primitives a Pool needs
// but does not implement itself: bidirectional phys/virt/pfn mappings
// against the frame map (vmemmap). A production embedder backs this
// with its real vmemmap and direct map; package addr ships a
// simulation backend for tests.
type Translator interface {
	// PhysOfDescriptor returns the physical address of the frame d
	// describes.
	PhysOfDescriptor(d *PageDescriptor) uintptr
	// DescriptorOfPhys returns the descriptor for the frame at phys.
	// Total over the addressable range; O(1).
	DescriptorOfPhys(phys uintptr) *PageDescriptor
	// VirtOfDescriptor returns the (identity-mapped, within the
	// pool's mapped window) virtual address of the frame d describes.
	VirtOfDescriptor(d *PageDescriptor) uintptr
	// DescriptorOfVirt is the inverse of VirtOfDescriptor.
	DescriptorOfVirt(virt uintptr) *PageDescriptor
	// PhysOfPFN converts a physical frame number to a physical
	// address.
	PhysOfPFN(pfn uint64) uintptr
}

// freeList is a doubly linked list of block heads for one order. The
// link nodes live in the free block's own bytes (see linkNode), never
// in the PageDescriptor, so the descriptor stays cache-compact.
type freeList struct {
	head, tail *PageDescriptor
}

// Pool is a binary-buddy allocator over a bounded range of physically
// contiguous frames.
type Pool struct {
	mu sync.Mutex // guards freeArea, every descriptor's order, and freePages

	rangeStart, rangeEnd uintptr // half-open phys interval; empty pool: max,0
	maxOrder             Order

	freeArea [MaxOrder + 1]freeList

	freePages uint64 // atomic; published under mu, read lock-free

	tr Translator

	// Counters is zero-cost when stats.Stats is disabled.
	Counters stats.PoolCounters
}

// New constructs an empty, zero-range Pool bound to tr with the given
// order ceiling. Most callers want Init or InitEmpty instead; New is
// exposed for callers assembling a pool incrementally (e.g. tests).
func New(tr Translator, maxOrder Order) *Pool {
	return &Pool{
		tr:         tr,
		rangeStart: ^uintptr(0),
		rangeEnd:   0,
		maxOrder:   util.Min(maxOrder, MaxOrder),
	}
}

// Init builds a Pool covering nrPages frames starting at physical
// frame number pfn. Every frame is materialized (refcount=1, order=0)
// and then released in ascending order except for a reservedPages
// prefix left allocated for the caller — the ascending release order
// is what yields maximal coalesced blocks.
func Init(tr Translator, pfn uint64, nrPages uint64, reservedPages uint64) *Pool {
	start := tr.PhysOfPFN(pfn)
	p := &Pool{
		tr:         tr,
		rangeStart: start,
		rangeEnd:   start + uintptr(nrPages)*uintptr(PageSize),
		maxOrder:   Order(util.Min(uint64(MaxOrder), uint64(util.Log2Ceil(nrPages)))),
	}

	for i := uint64(0); i < nrPages; i++ {
		d := tr.DescriptorOfPhys(start + uintptr(i)*uintptr(PageSize))
		d.order = 0
		atomic.StoreUint32(&d.refcount, 1)
	}

	for i := reservedPages; i < nrPages; i++ {
		d := tr.DescriptorOfPhys(start + uintptr(i)*uintptr(PageSize))
		p.Release(tr.VirtOfDescriptor(d))
	}

	fmt.Printf("[pool] free: %d/%d (%d reserved)\n", p.FreePagesSnapshot(), nrPages, reservedPages)
	return p
}

// InitEmpty builds a Pool with no owned range: range_start = MAX,
// range_end = 0, so that no address ever falls in range and frames
// attached later via AttachExternal never coalesce. max_order is
// still sized for the anticipated attachments.
func InitEmpty(tr Translator, nrPages uint64) *Pool {
	return &Pool{
		tr:         tr,
		rangeStart: ^uintptr(0),
		rangeEnd:   0,
		maxOrder:   Order(util.Min(uint64(MaxOrder), uint64(util.Log2Ceil(nrPages)))),
	}
}

func (p *Pool) inRange(phys uintptr) bool {
	return phys >= p.rangeStart && phys < p.rangeEnd
}

// MaxOrder returns this pool's order ceiling.
func (p *Pool) MaxOrder() Order {
	return p.maxOrder
}

// FreePagesSnapshot reads the free-page counter without taking the
// lock. The result is valid but possibly stale with respect to a
// concurrently in-flight Alloc/Release.
func (p *Pool) FreePagesSnapshot() uint64 {
	return atomic.LoadUint64(&p.freePages)
}

func (p *Pool) addFreePages(n uint64) {
	atomic.AddUint64(&p.freePages, n)
}

func (p *Pool) subFreePages(n uint64) {
	atomic.AddUint64(&p.freePages, -n)
}

// Alloc scans free_area[order..max_order] for the first non-empty
// list, removes its head, splits it down to order, marks it allocated
// and returns the virtual address of the block. Contents are zero.
// Returns (0, false) when no list has a block available; never waits.
func (p *Pool) Alloc(order Order) (uintptr, bool) {
	if order > p.maxOrder {
		panic("pool: Alloc: order exceeds pool's max_order")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	found := NoOrder
	for i := order; i <= p.maxOrder; i++ {
		if p.freeArea[i].head != nil {
			found = i
			break
		}
	}
	if found == NoOrder {
		return 0, false
	}

	d := p.popHead(found)
	d = p.extract(d, order)
	atomic.StoreUint32(&d.refcount, 1)
	p.subFreePages(uint64(1) << order)
	p.Counters.Allocs.Inc()

	return p.tr.VirtOfDescriptor(d), true
}

// Release decrements the refcount of the block at virt. When the
// refcount reaches zero the block is zeroed and attached back to the
// pool, coalescing with its buddy where possible. Undefined if virt
// was not handed out by this pool.
func (p *Pool) Release(virt uintptr) {
	d := p.tr.DescriptorOfVirt(virt)
	order := d.order
	if order == NoOrder || order > p.maxOrder {
		panic("pool: Release: virt does not name a live block head")
	}

	newCount := atomic.AddUint32(&d.refcount, ^uint32(0)) // -1
	if newCount == ^uint32(0) {
		panic("pool: Release: refcount underflow (double free)")
	}
	if newCount != 0 {
		return
	}

	p.mu.Lock()
	p.attach(d)
	p.mu.Unlock()
	p.Counters.Releases.Inc()
}

// Retain increments the refcount of the live block at virt.
func (p *Pool) Retain(virt uintptr) {
	d := p.tr.DescriptorOfVirt(virt)
	atomic.AddUint32(&d.refcount, 1)
	p.Counters.Retains.Inc()
}

// SplitBlock turns an allocated order-k block into 2^k independently
// refcounted order-0 allocations. It does not touch free lists or
// free_pages and never coalesces. Panics if the block is free.
func (p *Pool) SplitBlock(virt uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.tr.DescriptorOfVirt(virt)
	if atomic.LoadUint32(&d.refcount) == 0 {
		panic("pool: SplitBlock: block is free, not allocated")
	}
	k := d.order
	if k == NoOrder {
		panic("pool: SplitBlock: virt is not a block head")
	}
	if k == 0 {
		return
	}

	phys0 := p.tr.PhysOfDescriptor(d)
	d.order = 0
	for i := uint64(1); i < uint64(1)<<k; i++ {
		fd := p.tr.DescriptorOfPhys(phys0 + uintptr(i)*uintptr(PageSize))
		fd.order = 0
		atomic.StoreUint32(&fd.refcount, 1)
	}
}

// AttachExternal inserts a frame sourced from outside the pool's
// managed range as a free block of the given order (order 0 for a
// single frame). This is how InitEmpty pools
// acquire frames: the frame never coalesces with anything, since by
// construction it never lies in [range_start, range_end).
func (p *Pool) AttachExternal(virt uintptr, order Order) {
	if order > p.maxOrder {
		panic("pool: AttachExternal: order exceeds pool's max_order")
	}
	d := p.tr.DescriptorOfVirt(virt)
	d.order = order
	atomic.StoreUint32(&d.refcount, 0)

	p.mu.Lock()
	p.attach(d)
	p.mu.Unlock()
}

// Histogram returns, for each order, the number of free blocks
// currently on free_area[order]. Used by package diag for fragmentation
// snapshots; takes the lock like any other read of free_area.
func (p *Pool) Histogram() [MaxOrder + 1]uint64 {
	var hist [MaxOrder + 1]uint64

	p.mu.Lock()
	defer p.mu.Unlock()

	for k := Order(0); k <= p.maxOrder; k++ {
		d := p.freeArea[k].head
		for d != nil {
			hist[k]++
			_, next := p.readLink(d)
			if next == 0 {
				break
			}
			d = p.tr.DescriptorOfVirt(next)
		}
	}
	return hist
}

// FreeHead describes one free block head, for property-based testing
// and diagnostics that need more than a per-order count.
type FreeHead struct {
	Phys  uintptr
	Order Order
}

// FreeHeads returns every free block head across all orders. Intended
// for test assertions (I1/I2/I4-style invariant checks) and
// diagnostics, not the hot path.
func (p *Pool) FreeHeads() []FreeHead {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []FreeHead
	for k := Order(0); k <= p.maxOrder; k++ {
		d := p.freeArea[k].head
		for d != nil {
			out = append(out, FreeHead{Phys: p.tr.PhysOfDescriptor(d), Order: k})
			_, next := p.readLink(d)
			if next == 0 {
				break
			}
			d = p.tr.DescriptorOfVirt(next)
		}
	}
	return out
}
