//go:build unix

package addr

import "golang.org/x/sys/unix"

// allocBacking reserves size bytes of anonymous, page-aligned memory
// via mmap so that alignment invariants (spec.md I1) are checked
// against real page-aligned memory rather than an arbitrary Go slice
// header offset.
func allocBacking(size int) ([]byte, func() error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error {
		return unix.Munmap(data)
	}
	return data, closeFn, nil
}
