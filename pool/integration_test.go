package pool_test

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"hyppool/addr"
	"hyppool/pool"
)

func newTestPool(t *testing.T, nrFrames uint64, reserved uint64) (*pool.Pool, *addr.Arena) {
	t.Helper()
	a, err := addr.NewArena(nrFrames)
	if err != nil {
		t.Fatalf("addr.NewArena: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	p := pool.Init(a, 0, nrFrames, reserved)
	return p, a
}

// checkInvariants verifies I1 (alignment), I3 (counter consistency)
// and I4 (maximality) against the pool's exported introspection
// surface.
func checkInvariants(t *testing.T, p *pool.Pool) {
	t.Helper()

	heads := p.FreeHeads()
	var total uint64
	byOrderAndPhys := map[[2]uint64]bool{}

	for _, h := range heads {
		// I1: alignment.
		align := uintptr(pool.PageSize) << h.Order
		if uintptr(h.Phys)%align != 0 {
			t.Errorf("I1 violated: free head at phys %d, order %d not aligned to %d", h.Phys, h.Order, align)
		}
		total += uint64(1) << h.Order
		byOrderAndPhys[[2]uint64{uint64(h.Phys), uint64(h.Order)}] = true
	}

	// I3: counter consistency.
	if got := p.FreePagesSnapshot(); got != total {
		t.Errorf("I3 violated: free_pages = %d; sum over free heads = %d", got, total)
	}

	// I4: maximality — no free head's buddy is also a free head of the
	// same order (except at max_order, where there is no larger order
	// to check against).
	seen := map[uint64]pool.Order{}
	for _, h := range heads {
		seen[uint64(h.Phys)] = h.Order
	}
	for _, h := range heads {
		if h.Order >= p.MaxOrder() {
			continue
		}
		buddy := uint64(h.Phys) ^ (uint64(pool.PageSize) << h.Order)
		if bo, ok := seen[buddy]; ok && bo == h.Order {
			t.Errorf("I4 violated: free head at phys %d and its buddy at %d are both free at order %d", h.Phys, buddy, h.Order)
		}
	}
}

func TestInvariantsHoldThroughAllocReleaseChurn(t *testing.T) {
	p, _ := newTestPool(t, 64, 0)
	checkInvariants(t, p)

	var live []uintptr
	for i := 0; i < 20; i++ {
		if v, ok := p.Alloc(0); ok {
			live = append(live, v)
		}
		checkInvariants(t, p)
	}
	for _, v := range live {
		p.Release(v)
		checkInvariants(t, p)
	}

	// Churning down to nothing should fully recombine into the
	// largest supported order.
	heads := p.FreeHeads()
	if len(heads) != 1 || heads[0].Order != p.MaxOrder() {
		t.Fatalf("expected a single maximal free block after full release, got %+v", heads)
	}
}

// TestReleaseAllocRoundTrip is R1: release(alloc(k)) returns the pool
// to its pre-alloc state, regardless of intervening retain/release
// pairs that net to zero.
func TestReleaseAllocRoundTrip(t *testing.T) {
	p, _ := newTestPool(t, 16, 0)

	before := p.FreePagesSnapshot()
	beforeHeads := p.FreeHeads()

	v, ok := p.Alloc(1)
	if !ok {
		t.Fatal("alloc(1) failed")
	}
	p.Retain(v)
	p.Retain(v)
	p.Release(v)
	p.Release(v)
	p.Release(v)

	if got := p.FreePagesSnapshot(); got != before {
		t.Fatalf("free_pages after round trip = %d; want %d", got, before)
	}
	afterHeads := p.FreeHeads()
	if len(afterHeads) != len(beforeHeads) {
		t.Fatalf("free head count after round trip = %d; want %d", len(afterHeads), len(beforeHeads))
	}
}

// TestAdjacentOrderKAllocationsCoalesce is R2.
func TestAdjacentOrderKAllocationsCoalesce(t *testing.T) {
	const k = pool.Order(2)
	nrFrames := uint64(1) << (k + 1)
	p, _ := newTestPool(t, nrFrames, 0)

	v1, ok := p.Alloc(k)
	if !ok {
		t.Fatal("first alloc(k) failed")
	}
	v2, ok := p.Alloc(k)
	if !ok {
		t.Fatal("second alloc(k) failed")
	}
	if v1 == v2 {
		t.Fatal("two allocations of the same order returned the same address")
	}

	p.Release(v1)
	p.Release(v2)

	heads := p.FreeHeads()
	if len(heads) != 1 || heads[0].Order != k+1 {
		t.Fatalf("expected coalesce into one order-%d block, got %+v", k+1, heads)
	}
}

// TestAllocMaxOrderPlusOnePanics is B2.
func TestAllocMaxOrderPlusOnePanics(t *testing.T) {
	p, _ := newTestPool(t, 16, 0)
	defer func() {
		if recover() == nil {
			t.Fatal("Alloc(max_order+1) should panic")
		}
	}()
	p.Alloc(p.MaxOrder() + 1)
}

// TestEmptyPoolDoesNotCoalesceAcrossDonations is B3.
func TestEmptyPoolDoesNotCoalesceAcrossDonations(t *testing.T) {
	a, err := addr.NewArena(8)
	if err != nil {
		t.Fatalf("addr.NewArena: %v", err)
	}
	defer a.Close()

	p := pool.InitEmpty(a, 8)

	for _, pfn := range []uint64{0, 1, 4, 5} {
		d := a.DescriptorOfPhys(a.PhysOfPFN(pfn))
		p.AttachExternal(a.VirtOfDescriptor(d), 0)
	}

	heads := p.FreeHeads()
	for _, h := range heads {
		if h.Order != 0 {
			t.Errorf("expected only order-0 blocks on an empty pool, got order %d at phys %d", h.Order, h.Phys)
		}
	}
	if len(heads) != 4 {
		t.Fatalf("expected 4 distinct order-0 blocks, got %d", len(heads))
	}
}

// TestSplitBlockThenIndividualReleasesRecoalesce is B4.
func TestSplitBlockThenIndividualReleasesRecoalesce(t *testing.T) {
	const k = pool.Order(3)
	nrFrames := uint64(1) << k
	p, a := newTestPool(t, nrFrames, 0)

	v, ok := p.Alloc(k)
	if !ok {
		t.Fatal("alloc(k) failed")
	}
	p.SplitBlock(v)

	base := a.PhysOfDescriptor(a.DescriptorOfVirt(v))
	for i := uint64(0); i < nrFrames; i++ {
		d := a.DescriptorOfPhys(base + uintptr(i)*pool.PageSize)
		if d.Order() != 0 {
			t.Errorf("frame %d order = %d; want 0", i, d.Order())
		}
		if d.Refcount() != 1 {
			t.Errorf("frame %d refcount = %d; want 1", i, d.Refcount())
		}
	}

	for i := uint64(0); i < nrFrames; i++ {
		d := a.DescriptorOfPhys(base + uintptr(i)*pool.PageSize)
		p.Release(a.VirtOfDescriptor(d))
	}

	heads := p.FreeHeads()
	if len(heads) != 1 || heads[0].Order != k {
		t.Fatalf("expected full re-coalesce to order %d, got %+v", k, heads)
	}
}

// TestConcurrentAllocRelease drives many goroutines allocating and
// releasing against one shared pool, using errgroup to fan out and
// collect the first failure — spec.md §5's linearizability claim
// should hold regardless of goroutine interleaving.
func TestConcurrentAllocRelease(t *testing.T) {
	p, _ := newTestPool(t, 1024, 0)

	var g errgroup.Group
	for w := 0; w < 16; w++ {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				v, ok := p.Alloc(0)
				if !ok {
					continue
				}
				p.Retain(v)
				p.Release(v)
				p.Release(v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent alloc/release: %v", err)
	}

	checkInvariants(t, p)
	heads := p.FreeHeads()
	if len(heads) != 1 || heads[0].Order != p.MaxOrder() {
		t.Fatalf("expected full re-coalesce after churn, got %+v", heads)
	}
}
