//go:build unix

package memory

import "golang.org/x/sys/unix"

// platformMapper reserves inaccessible anonymous mappings. Pages are committed
// only once a provider changes their protection.
type platformMapper struct{}

func (platformMapper) reserve(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func (platformMapper) release(b []byte) error {
	return unix.Munmap(b)
}
