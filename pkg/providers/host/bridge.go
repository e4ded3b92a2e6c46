package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// InitRequest is passed to the module's provider_init export.
type InitRequest struct {
	Role     string   `json:"role"`
	Arch     string   `json:"arch"`
	Features []string `json:"features"`
}

// initReply is what provider_init returns. An empty reply is success.
type initReply struct {
	Error string `json:"error"`
}

var errNullAlloc = errors.New("module malloc returned 0")

// moduleABI is the calling convention shared by provider modules. Arguments
// are JSON written into a malloc'd buffer and passed as (offset, size); the
// reply comes back as one u64 holding offset in the high half and size in the
// low half, and is released with free.
type moduleABI struct {
	mem      api.Memory
	malloc   api.Function
	free     api.Function
	init     api.Function
	shutdown api.Function // optional

	deadline time.Duration
}

// bindABI resolves the exports a provider module must have.
func bindABI(mod api.Module, deadline time.Duration) (*moduleABI, error) {
	m := &moduleABI{mem: mod.Memory(), deadline: deadline}
	if m.mem == nil {
		return nil, errors.New("provider module has no memory export")
	}
	for _, b := range []struct {
		name string
		dst  *api.Function
	}{
		{"malloc", &m.malloc},
		{"free", &m.free},
		{"provider_init", &m.init},
	} {
		if *b.dst = mod.ExportedFunction(b.name); *b.dst == nil {
			return nil, fmt.Errorf("provider module lacks %s export", b.name)
		}
	}
	m.shutdown = mod.ExportedFunction("provider_shutdown")
	return m, nil
}

// Init runs provider_init for req.
func (m *moduleABI) Init(ctx context.Context, req InitRequest) error {
	arg, err := json.Marshal(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.deadline)
	defer cancel()

	raw, err := m.invoke(ctx, m.init, arg)
	if err != nil {
		return fmt.Errorf("provider_init: %w", err)
	}
	var reply initReply
	if json.Unmarshal(raw, &reply) == nil && reply.Error != "" {
		return fmt.Errorf("provider_init: %s", reply.Error)
	}
	return nil
}

// Shutdown runs provider_shutdown if the module has one.
func (m *moduleABI) Shutdown(ctx context.Context) error {
	if m.shutdown == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.deadline)
	defer cancel()
	if _, err := m.shutdown.Call(ctx); err != nil {
		return fmt.Errorf("provider_shutdown: %w", err)
	}
	return nil
}

func (m *moduleABI) invoke(ctx context.Context, fn api.Function, arg []byte) ([]byte, error) {
	var off, size uint32
	if len(arg) > 0 {
		p, err := m.alloc(ctx, uint32(len(arg)))
		if err != nil {
			return nil, err
		}
		defer m.release(ctx, p)
		if !m.mem.Write(p, arg) {
			return nil, fmt.Errorf("argument of %d bytes does not fit at %#x", len(arg), p)
		}
		off, size = p, uint32(len(arg))
	}

	out, err := fn.Call(ctx, uint64(off), uint64(size))
	switch {
	case err != nil:
		return nil, err
	case len(out) != 1:
		return nil, fmt.Errorf("expected one result, got %d", len(out))
	}

	replyOff, replySize := uint32(out[0]>>32), uint32(out[0])
	if replySize == 0 {
		return nil, nil
	}
	defer m.release(ctx, replyOff)
	view, ok := m.mem.Read(replyOff, replySize)
	if !ok {
		return nil, fmt.Errorf("reply [%#x, +%d) outside module memory", replyOff, replySize)
	}
	// view aliases module memory, which free may reuse.
	return append([]byte(nil), view...), nil
}

func (m *moduleABI) alloc(ctx context.Context, n uint32) (uint32, error) {
	out, err := m.malloc.Call(ctx, uint64(n))
	if err != nil {
		return 0, fmt.Errorf("malloc(%d): %w", n, err)
	}
	if len(out) == 0 || uint32(out[0]) == 0 {
		return 0, errNullAlloc
	}
	return uint32(out[0]), nil
}

func (m *moduleABI) release(ctx context.Context, p uint32) {
	_, _ = m.free.Call(ctx, uint64(p))
}
