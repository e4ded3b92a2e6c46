//go:build !unix

package memory

// platformMapper falls back to heap allocations where anonymous mappings are
// unavailable.
type platformMapper struct{}

func (platformMapper) reserve(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (platformMapper) release([]byte) error {
	return nil
}
