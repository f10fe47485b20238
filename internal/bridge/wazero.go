package bridge

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Guest allocator exports. Every payload crosses the boundary through
// guest-owned buffers; the host never hands the guest a host pointer.
const (
	fnAlloc = "pm_alloc"
	fnFree  = "pm_free"
)

// wazeroCaller drives an instantiated engine module. Operations take a
// (ptr, len) pair into guest memory and return a packed u64 with the
// response pointer in the high 32 bits and its length in the low 32 bits.
type wazeroCaller struct {
	runtime wazero.Runtime
	module  api.Module
	alloc   api.Function
	free    api.Function
}

func newWazeroCaller(ctx context.Context, wasmBytes []byte, opts Options) (*wazeroCaller, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if opts.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(opts.MemoryLimitPages)
	}
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}

	// The engine is built as a reactor, so run _initialize instead of
	// _start.
	modCfg := wazero.NewModuleConfig().
		WithName("mintd").
		WithStartFunctions("_initialize").
		WithStdout(opts.LogOutput).
		WithStderr(opts.LogOutput)

	module, err := runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate module: %w", err)
	}

	alloc := module.ExportedFunction(fnAlloc)
	free := module.ExportedFunction(fnFree)
	if alloc == nil || free == nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("module does not export %s/%s", fnAlloc, fnFree)
	}

	return &wazeroCaller{runtime: runtime, module: module, alloc: alloc, free: free}, nil
}

func (c *wazeroCaller) call(ctx context.Context, op string, payload []byte) ([]byte, error) {
	fn := c.module.ExportedFunction(op)
	if fn == nil {
		return nil, fmt.Errorf("bridge: engine does not export %q", op)
	}

	var ptr, size uint64
	if len(payload) > 0 {
		results, err := c.alloc.Call(ctx, uint64(len(payload)))
		if err != nil {
			return nil, fmt.Errorf("bridge: %s: %w", fnAlloc, err)
		}
		ptr = results[0]
		size = uint64(len(payload))
		if !c.module.Memory().Write(uint32(ptr), payload) {
			c.release(ctx, ptr, size)
			return nil, fmt.Errorf("bridge: payload write out of range for %s", op)
		}
		defer c.release(ctx, ptr, size)
	}

	results, err := fn.Call(ctx, ptr, size)
	if err != nil {
		return nil, fmt.Errorf("bridge: call %s: %w", op, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("bridge: %s returned no result", op)
	}

	packed := results[0]
	respPtr := uint32(packed >> 32)
	respLen := uint32(packed)
	if respLen == 0 {
		return nil, fmt.Errorf("bridge: %s returned empty response", op)
	}

	buf, ok := c.module.Memory().Read(respPtr, respLen)
	if !ok {
		return nil, fmt.Errorf("bridge: response read out of range for %s", op)
	}
	// The view into guest memory is only valid until the next guest call.
	out := make([]byte, len(buf))
	copy(out, buf)
	c.release(ctx, uint64(respPtr), uint64(respLen))

	return out, nil
}

func (c *wazeroCaller) release(ctx context.Context, ptr, size uint64) {
	_, _ = c.free.Call(ctx, ptr, size)
}

func (c *wazeroCaller) close(ctx context.Context) error {
	return c.runtime.Close(ctx)
}
