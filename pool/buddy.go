package pool

import "unsafe"

// linkNode is the doubly-linked-list anchor threaded through the
// first bytes of a free block's own memory. prev/next are virtual
// addresses of neighboring block heads; 0 means "none". Storing links
// here instead of in PageDescriptor keeps the descriptor cache-compact
// and means removal naturally only has to zero 16 bytes rather than
// the whole block (the whole block was already zeroed when it was
// attached — see zeroBlock and attach).
type linkNode struct {
	prev, next uintptr
}

func (p *Pool) linkNodeAt(virt uintptr) *linkNode {
	return (*linkNode)(unsafe.Pointer(virt))
}

func (p *Pool) writeLink(d *PageDescriptor, prev, next uintptr) {
	ln := p.linkNodeAt(p.tr.VirtOfDescriptor(d))
	ln.prev = prev
	ln.next = next
}

func (p *Pool) readLink(d *PageDescriptor) (prev, next uintptr) {
	ln := p.linkNodeAt(p.tr.VirtOfDescriptor(d))
	return ln.prev, ln.next
}

// zeroBlock zeros the PageSize<<order bytes of the block's virtual
// content. Called on the release path only (attach), never on alloc:
// allocation is latency-critical, zeroing is not.
func (p *Pool) zeroBlock(d *PageDescriptor, order Order) {
	virt := p.tr.VirtOfDescriptor(d)
	n := uintptr(PageSize) << order
	b := unsafe.Slice((*byte)(unsafe.Pointer(virt)), int(n))
	for i := range b {
		b[i] = 0
	}
}

// pushTail appends d to the tail of free_area[k].
func (p *Pool) pushTail(k Order, d *PageDescriptor) {
	fl := &p.freeArea[k]
	if fl.tail == nil {
		p.writeLink(d, 0, 0)
		fl.head, fl.tail = d, d
		return
	}
	tailVirt := p.tr.VirtOfDescriptor(fl.tail)
	dVirt := p.tr.VirtOfDescriptor(d)
	tailPrev, _ := p.readLink(fl.tail)
	p.writeLink(fl.tail, tailPrev, dVirt)
	p.writeLink(d, tailVirt, 0)
	fl.tail = d
}

// removeFromList unlinks d from free_area[k], wherever in the list it
// sits, and zeros its link-node bytes (spec.md §4.2).
func (p *Pool) removeFromList(k Order, d *PageDescriptor) {
	fl := &p.freeArea[k]
	prev, next := p.readLink(d)

	if prev == 0 {
		if next == 0 {
			fl.head = nil
		} else {
			fl.head = p.tr.DescriptorOfVirt(next)
		}
	} else {
		pd := p.tr.DescriptorOfVirt(prev)
		pp, _ := p.readLink(pd)
		p.writeLink(pd, pp, next)
	}

	if next == 0 {
		if prev == 0 {
			fl.tail = nil
		} else {
			fl.tail = p.tr.DescriptorOfVirt(prev)
		}
	} else {
		nd := p.tr.DescriptorOfVirt(next)
		_, nn := p.readLink(nd)
		p.writeLink(nd, prev, nn)
	}

	p.writeLink(d, 0, 0)
}

// popHead removes and returns the head of free_area[k], or nil if
// empty.
func (p *Pool) popHead(k Order) *PageDescriptor {
	d := p.freeArea[k].head
	if d == nil {
		return nil
	}
	p.removeFromList(k, d)
	return d
}

// buddyPhys computes the physical address of the buddy of a head at
// order k: the address differing from phys by exactly one bit, at
// position k+log2(PageSize). XOR makes the relation its own inverse
// (buddy-of-buddy is the original).
func buddyPhys(phys uintptr, k Order) uintptr {
	return phys ^ (uintptr(PageSize) << k)
}

// buddyNocheck returns the buddy descriptor of d at order k regardless
// of its current state, or nil if the buddy address falls outside the
// pool's range. Used when splitting, where the buddy is known to be a
// non-head interior frame.
func (p *Pool) buddyNocheck(d *PageDescriptor, k Order) *PageDescriptor {
	bphys := buddyPhys(p.tr.PhysOfDescriptor(d), k)
	if !p.inRange(bphys) {
		return nil
	}
	return p.tr.DescriptorOfPhys(bphys)
}

// buddyAvailable returns d's buddy at order k only if it is currently
// free at exactly that order (order == k and refcount == 0). Used
// during coalescing. Both fields are safe to read without atomics
// here: order is guarded by the caller holding p.mu, and a refcount of
// 0 cannot be concurrently bumped by anyone else (no live handle
// exists to a fully-free frame).
func (p *Pool) buddyAvailable(d *PageDescriptor, k Order) *PageDescriptor {
	b := p.buddyNocheck(d, k)
	if b == nil {
		return nil
	}
	if b.refcount != 0 {
		return nil
	}
	if b.order != k {
		return nil
	}
	return b
}

// attach is the release/coalesce path (spec.md §4.3). Caller must
// hold p.mu. d arrives with its order already set to the block's
// order; once coalescing picks a new head, the free block's head may be
// a different (lower-addressed) descriptor than the one passed in, and
// the passed-in descriptor's order is then left as NoOrder.
func (p *Pool) attach(d *PageDescriptor) {
	order := d.order
	p.zeroBlock(d, order)

	phys := p.tr.PhysOfDescriptor(d)
	if !p.inRange(phys) {
		// External frame: never coalesces, see spec.md §4.3 step 2
		// and §3.3.
		d.order = order
		p.pushTail(order, d)
		p.addFreePages(uint64(1) << order)
		return
	}

	d.order = NoOrder
	k := order
	for k < p.maxOrder {
		b := p.buddyAvailable(d, k)
		if b == nil {
			break
		}
		p.removeFromList(k, b)
		b.order = NoOrder
		if p.tr.PhysOfDescriptor(b) < p.tr.PhysOfDescriptor(d) {
			d = b
		}
		k++
		p.Counters.Coalesces.Inc()
	}
	d.order = k
	p.pushTail(k, d)
	p.addFreePages(uint64(1) << order)
}

// extract splits a free block already unlinked from its list down to
// target order (spec.md §4.4). Caller must hold p.mu.
func (p *Pool) extract(d *PageDescriptor, target Order) *PageDescriptor {
	for d.order > target {
		b := p.buddyNocheck(d, d.order-1)
		if b == nil {
			// spec.md §9's open question: under the stated
			// invariants this cannot happen for a block that was
			// just removed from a free list of matching order, since
			// the address space always has room for a buddy at a
			// lower order than the block's own order. Treat it as an
			// assertion failure rather than silently returning d
			// unsplit.
			panic("pool: extract: buddy absent for a splittable block; pool invariants violated")
		}
		d.order--
		b.order = d.order
		p.pushTail(d.order, b)
		p.Counters.Splits.Inc()
	}
	return d
}
