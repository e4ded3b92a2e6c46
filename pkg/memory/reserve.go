// Package memory reserves the address-space regions used by the execution
// units before any provider is initialized.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emuhost/emuhost/pkg/engine"
	"github.com/emuhost/emuhost/pkg/telemetry"
)

// Region describes one named address-space reservation.
type Region struct {
	Name string
	Size int
}

// DefaultRegions returns the reservation layout of the virtual machine:
// main memory, the I/O coprocessor memory and the vector-unit micro memory.
func DefaultRegions() []Region {
	return []Region{
		{Name: "main", Size: 64 << 20},
		{Name: "iop", Size: 8 << 20},
		{Name: "vu", Size: 1 << 20},
		{Name: "recompiler-cache", Size: 32 << 20},
	}
}

// mapper performs the platform-specific reservation.
type mapper interface {
	reserve(size int) ([]byte, error)
	release(b []byte) error
}

// VMReserve owns the process address-space reservations.
type VMReserve struct {
	regions []Region
	mapper  mapper
	logger  *telemetry.Logger

	mu       sync.Mutex
	reserved map[string][]byte
}

// NewVMReserve creates a reservation manager for the given regions. A nil
// logger discards log output.
func NewVMReserve(regions []Region, logger *telemetry.Logger) *VMReserve {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &VMReserve{
		regions:  regions,
		mapper:   platformMapper{},
		logger:   logger.NewComponentLogger("memory"),
		reserved: make(map[string][]byte),
	}
}

// ReserveAll reserves every region that is not reserved yet. Regions reserved
// by an earlier call are kept, so calling it repeatedly is a no-op. When a
// region fails, the regions reserved by this call are released again.
func (v *VMReserve) ReserveAll(ctx context.Context) (err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var fresh []string
	defer func() {
		if err != nil {
			v.rollback(fresh)
		}
	}()

	for _, r := range v.regions {
		if err := ctx.Err(); err != nil {
			return engine.NewAbortError("memory reservation interrupted", err)
		}
		if _, ok := v.reserved[r.Name]; ok {
			continue
		}
		if r.Size <= 0 {
			return engine.NewReservationError(fmt.Sprintf("region %s has invalid size %d", r.Name, r.Size), nil)
		}

		b, err := v.mapper.reserve(r.Size)
		if err != nil {
			return engine.NewReservationError(fmt.Sprintf("failed to reserve region %s", r.Name), err)
		}
		v.reserved[r.Name] = b
		fresh = append(fresh, r.Name)

		v.logger.WithFields(map[string]interface{}{
			"region": r.Name,
			"bytes":  r.Size,
		}).Debug("address space reserved")
	}

	return nil
}

func (v *VMReserve) rollback(names []string) {
	for _, name := range names {
		if err := v.mapper.release(v.reserved[name]); err != nil {
			v.logger.WithField("region", name).WithError(err).Warn("failed to release region after partial reservation")
		}
		delete(v.reserved, name)
	}
}

// ReleaseAll releases every reserved region. Errors are joined and the
// remaining regions are still released.
func (v *VMReserve) ReleaseAll() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	var errs []error
	for name, b := range v.reserved {
		if err := v.mapper.release(b); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", name, err))
		}
		delete(v.reserved, name)
	}

	if len(errs) > 0 {
		return engine.NewTeardownError("failed to release address space", errors.Join(errs...))
	}
	return nil
}

// Reserved reports whether the named region is currently reserved.
func (v *VMReserve) Reserved(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.reserved[name]
	return ok
}

// TotalReserved returns the number of bytes currently reserved.
func (v *VMReserve) TotalReserved() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	total := 0
	for _, b := range v.reserved {
		total += len(b)
	}
	return total
}
