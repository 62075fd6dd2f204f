// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package guest

import (
	"context"
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/hearth-foundation/hearth/lib/lump"
	"github.com/hearth-foundation/hearth/lib/runtime"
)

// WasmerEngine is the default Engine binding, backed by wasmer-go.
//
// Wasmer exposes no instruction counter to Go, so this binding cannot
// return RunFuelExhausted mid-computation: a slice runs until the
// guest's entry function returns or makes a blocking host call (which
// releases the slice token through HostCalls.suspend as usual). The
// preemption contract of the adapter is engine-generic; an engine
// with native fuel metering slots into the same [Engine] interface
// and gets the full behavior. What this binding does enforce is the
// capability boundary: guests reach the runtime only through the
// "hearth" import namespace below, and handles are opaque u32s.
type WasmerEngine struct {
	engine *wasmer.Engine
	store  *wasmer.Store
}

// NewWasmerEngine creates the engine and its store.
func NewWasmerEngine() *WasmerEngine {
	engine := wasmer.NewEngine()
	return &WasmerEngine{
		engine: engine,
		store:  wasmer.NewStore(engine),
	}
}

// Compile validates and compiles module bytes.
func (e *WasmerEngine) Compile(module []byte) (Module, error) {
	compiled, err := wasmer.NewModule(e.store, module)
	if err != nil {
		return nil, fmt.Errorf("compiling module: %w", err)
	}
	return &wasmerModule{engine: e, module: compiled}, nil
}

type wasmerModule struct {
	engine *WasmerEngine
	module *wasmer.Module
}

// Instantiate builds the instance with the "hearth" host imports
// bound to calls.
func (m *wasmerModule) Instantiate(calls *HostCalls, entrypoint string) (Instance, error) {
	inst := &wasmerInstance{calls: calls}

	imports := wasmer.NewImportObject()
	imports.Register("hearth", inst.hostFunctions(m.engine.store))

	instance, err := wasmer.NewInstance(m.module, imports)
	if err != nil {
		return nil, fmt.Errorf("instantiating module: %w", err)
	}
	inst.instance = instance

	memory, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, fmt.Errorf("module exports no linear memory: %w", err)
	}
	inst.memory = memory

	if entrypoint == "" {
		entrypoint = "_start"
	}
	entry, err := instance.Exports.GetFunction(entrypoint)
	if err != nil {
		return nil, fmt.Errorf("module exports no %q function: %w", entrypoint, err)
	}
	inst.entry = entry
	return inst, nil
}

type wasmerInstance struct {
	calls    *HostCalls
	instance *wasmer.Instance
	memory   *wasmer.Memory
	entry    func(...any) (any, error)
	finished bool
}

// Run executes the entry function. Wasmer runs it to completion (see
// the type comment for the metering caveat); a wasm trap surfaces as
// the returned error.
func (i *wasmerInstance) Run(ctx context.Context, fuel uint64) (RunState, error) {
	if i.finished {
		return RunCompleted, nil
	}
	if _, err := i.entry(); err != nil {
		return RunCompleted, err
	}
	i.finished = true
	return RunCompleted, nil
}

// Close releases the instance. Wasmer resources are freed by its
// finalizers; dropping the references is all that is needed.
func (i *wasmerInstance) Close() {
	i.instance = nil
	i.memory = nil
	i.entry = nil
}

// bytesAt copies len bytes of guest memory starting at ptr.
func (i *wasmerInstance) bytesAt(ptr, length int32) ([]byte, error) {
	data := i.memory.Data()
	if ptr < 0 || length < 0 || int(ptr)+int(length) > len(data) {
		return nil, fmt.Errorf("guest memory range [%d,%d) out of bounds", ptr, ptr+length)
	}
	out := make([]byte, length)
	copy(out, data[ptr:ptr+length])
	return out, nil
}

// writeAt copies host bytes into guest memory, bounds-checked.
func (i *wasmerInstance) writeAt(ptr int32, content []byte) error {
	data := i.memory.Data()
	if ptr < 0 || int(ptr)+len(content) > len(data) {
		return fmt.Errorf("guest memory range [%d,%d) out of bounds", ptr, int(ptr)+len(content))
	}
	copy(data[ptr:], content)
	return nil
}

// errno compresses a host-call error into the ABI's i32 result:
// 0 success, negative failure. Guests branch on the sign; the host
// log carries the detail.
func (i *wasmerInstance) errno(err error) int32 {
	if err == nil {
		return 0
	}
	i.calls.Log(0, "host call failed: "+err.Error())
	return -1
}

// hostFunctions builds the "hearth" import namespace. The ABI is
// deliberately small: integers and (ptr, len) pairs into linear
// memory, results through out-pointers. Capabilities never appear as
// anything but opaque handles.
func (i *wasmerInstance) hostFunctions(store *wasmer.Store) map[string]wasmer.IntoExtern {
	i32 := wasmer.I32
	i64 := wasmer.I64

	fn := func(params, results []wasmer.ValueKind, impl func(args []wasmer.Value) ([]wasmer.Value, error)) wasmer.IntoExtern {
		return wasmer.NewFunction(store,
			wasmer.NewFunctionType(wasmer.NewValueTypes(params...), wasmer.NewValueTypes(results...)),
			impl,
		)
	}
	one32 := func(v int32) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI32(v)}, nil }
	one64 := func(v int64) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI64(v)}, nil }

	return map[string]wasmer.IntoExtern{
		// log(level, msg_ptr, msg_len)
		"log": fn([]wasmer.ValueKind{i32, i32, i32}, nil, func(args []wasmer.Value) ([]wasmer.Value, error) {
			message, err := i.bytesAt(args[1].I32(), args[2].I32())
			if err != nil {
				return nil, err
			}
			i.calls.Log(uint32(args[0].I32()), string(message))
			return nil, nil
		}),

		// mailbox_create(capacity, block) -> handle | negative errno
		"mailbox_create": fn([]wasmer.ValueKind{i32, i32}, []wasmer.ValueKind{i32}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			handle, err := i.calls.MailboxCreate(uint32(args[0].I32()), args[1].I32() != 0)
			if err != nil {
				return one32(i.errno(err))
			}
			return one32(int32(handle))
		}),

		// mailbox_close(handle) -> errno
		"mailbox_close": fn([]wasmer.ValueKind{i32}, []wasmer.ValueKind{i32}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			return one32(i.errno(i.calls.MailboxClose(uint32(args[0].I32()))))
		}),

		// make_capability(mailbox, perms) -> cap handle | negative errno
		"make_capability": fn([]wasmer.ValueKind{i32, i32}, []wasmer.ValueKind{i32}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			handle, err := i.calls.MakeCapability(uint32(args[0].I32()), uint8(args[1].I32()))
			if err != nil {
				return one32(i.errno(err))
			}
			return one32(int32(handle))
		}),

		// send(cap, payload_ptr, payload_len, caps_ptr, caps_len) -> errno
		// caps_ptr points at caps_len little-endian u32 handles.
		"send": fn([]wasmer.ValueKind{i32, i32, i32, i32, i32}, []wasmer.ValueKind{i32}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			payload, err := i.bytesAt(args[1].I32(), args[2].I32())
			if err != nil {
				return nil, err
			}
			transfer, err := i.handlesAt(args[3].I32(), args[4].I32())
			if err != nil {
				return nil, err
			}
			return one32(i.errno(i.calls.Send(uint32(args[0].I32()), payload, transfer)))
		}),

		// recv(mailbox, timeout_ms, buf_ptr, buf_cap, caps_ptr, caps_cap) -> packed result
		//
		// Result >= 0: payload length written to buf (truncated to
		// buf_cap; the real length is returned, and the envelope is
		// consumed either way, so bytes past buf_cap are not kept for
		// a later recv). Capability handles
		// are written to caps_ptr as little-endian u32s. Result < 0:
		// errno. Signals are delivered as result -100-kind with the
		// subject id written to buf as 8 little-endian bytes.
		"recv": fn([]wasmer.ValueKind{i32, i64, i32, i32, i32, i32}, []wasmer.ValueKind{i64}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			result, err := i.calls.Recv(uint32(args[0].I32()), args[1].I64())
			if err != nil {
				return one64(int64(i.errno(err)))
			}
			if result.Signal != nil {
				subject := uint64(result.Signal.Mailbox)
				if result.Signal.Kind == runtime.SignalUnlink {
					subject = uint64(result.Signal.Process)
				}
				var buf [8]byte
				for b := 0; b < 8; b++ {
					buf[b] = byte(subject >> (8 * b))
				}
				if err := i.writeAt(args[2].I32(), buf[:]); err != nil {
					return nil, err
				}
				return one64(-100 - int64(result.Signal.Kind))
			}

			written := result.Payload
			if int32(len(written)) > args[3].I32() {
				written = written[:args[3].I32()]
			}
			if err := i.writeAt(args[2].I32(), written); err != nil {
				return nil, err
			}
			if err := i.writeHandles(args[4].I32(), args[5].I32(), result.Caps); err != nil {
				return nil, err
			}
			return one64(int64(len(result.Payload)))
		}),

		// narrow(cap, mask) -> new cap handle | negative errno
		"narrow": fn([]wasmer.ValueKind{i32, i32}, []wasmer.ValueKind{i32}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			handle, err := i.calls.Narrow(uint32(args[0].I32()), uint8(args[1].I32()))
			if err != nil {
				return one32(i.errno(err))
			}
			return one32(int32(handle))
		}),

		// drop(cap) -> errno
		"drop": fn([]wasmer.ValueKind{i32}, []wasmer.ValueKind{i32}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			return one32(i.errno(i.calls.Drop(uint32(args[0].I32()))))
		}),

		// monitor(observer_mailbox, cap) -> monitor id | negative errno
		"monitor": fn([]wasmer.ValueKind{i32, i32}, []wasmer.ValueKind{i64}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			id, err := i.calls.Monitor(uint32(args[0].I32()), uint32(args[1].I32()))
			if err != nil {
				return one64(int64(i.errno(err)))
			}
			return one64(int64(id))
		}),

		// demonitor(monitor_id)
		"demonitor": fn([]wasmer.ValueKind{i64}, nil, func(args []wasmer.Value) ([]wasmer.Value, error) {
			i.calls.Demonitor(uint64(args[0].I64()))
			return nil, nil
		}),

		// link(cap) -> errno
		"link": fn([]wasmer.ValueKind{i32}, []wasmer.ValueKind{i32}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			return one32(i.errno(i.calls.Link(uint32(args[0].I32()))))
		}),

		// unlink(cap) -> errno
		"unlink": fn([]wasmer.ValueKind{i32}, []wasmer.ValueKind{i32}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			return one32(i.errno(i.calls.Unlink(uint32(args[0].I32()))))
		}),

		// kill(cap) -> errno
		"kill": fn([]wasmer.ValueKind{i32}, []wasmer.ValueKind{i32}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			return one32(i.errno(i.calls.Kill(uint32(args[0].I32()))))
		}),

		// spawn(digest_ptr, entry_ptr, entry_len) -> root cap handle | negative errno
		"spawn": fn([]wasmer.ValueKind{i32, i32, i32}, []wasmer.ValueKind{i32}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			digestBytes, err := i.bytesAt(args[0].I32(), lump.DigestSize)
			if err != nil {
				return nil, err
			}
			var digest lump.Digest
			copy(digest[:], digestBytes)
			entry, err := i.bytesAt(args[1].I32(), args[2].I32())
			if err != nil {
				return nil, err
			}
			handle, err := i.calls.SpawnFromLump(digest, string(entry), "")
			if err != nil {
				return one32(i.errno(err))
			}
			return one32(int32(handle))
		}),

		// lump_put(ptr, len, digest_out_ptr) -> errno
		"lump_put": fn([]wasmer.ValueKind{i32, i32, i32}, []wasmer.ValueKind{i32}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			data, err := i.bytesAt(args[0].I32(), args[1].I32())
			if err != nil {
				return nil, err
			}
			digest, putErr := i.calls.LumpPut(data)
			if putErr != nil {
				return one32(i.errno(putErr))
			}
			if err := i.writeAt(args[2].I32(), digest[:]); err != nil {
				return nil, err
			}
			return one32(0)
		}),

		// lump_get(digest_ptr, buf_ptr, buf_cap) -> length | negative errno
		"lump_get": fn([]wasmer.ValueKind{i32, i32, i32}, []wasmer.ValueKind{i64}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			digestBytes, err := i.bytesAt(args[0].I32(), lump.DigestSize)
			if err != nil {
				return nil, err
			}
			var digest lump.Digest
			copy(digest[:], digestBytes)
			data, getErr := i.calls.LumpGet(digest)
			if getErr != nil {
				return one64(int64(i.errno(getErr)))
			}
			written := data
			if int32(len(written)) > args[2].I32() {
				written = written[:args[2].I32()]
			}
			if err := i.writeAt(args[1].I32(), written); err != nil {
				return nil, err
			}
			return one64(int64(len(data)))
		}),

		// service_get(name_ptr, name_len) -> cap handle | negative errno
		"service_get": fn([]wasmer.ValueKind{i32, i32}, []wasmer.ValueKind{i32}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			name, err := i.bytesAt(args[0].I32(), args[1].I32())
			if err != nil {
				return nil, err
			}
			handle, getErr := i.calls.ServiceGet(string(name))
			if getErr != nil {
				return one32(i.errno(getErr))
			}
			return one32(int32(handle))
		}),

		// this_lump(digest_out_ptr) -> errno
		"this_lump": fn([]wasmer.ValueKind{i32}, []wasmer.ValueKind{i32}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			digest := i.calls.ThisLump()
			if err := i.writeAt(args[0].I32(), digest[:]); err != nil {
				return nil, err
			}
			return one32(0)
		}),
	}
}

// handlesAt reads count little-endian u32 handles from guest memory.
func (i *wasmerInstance) handlesAt(ptr, count int32) ([]uint32, error) {
	raw, err := i.bytesAt(ptr, count*4)
	if err != nil {
		return nil, err
	}
	handles := make([]uint32, count)
	for n := int32(0); n < count; n++ {
		offset := n * 4
		handles[n] = uint32(raw[offset]) | uint32(raw[offset+1])<<8 |
			uint32(raw[offset+2])<<16 | uint32(raw[offset+3])<<24
	}
	return handles, nil
}

// writeHandles writes up to cap handles to guest memory as
// little-endian u32s.
func (i *wasmerInstance) writeHandles(ptr, capacity int32, handles []uint32) error {
	if int32(len(handles)) > capacity {
		handles = handles[:capacity]
	}
	raw := make([]byte, len(handles)*4)
	for n, handle := range handles {
		raw[n*4] = byte(handle)
		raw[n*4+1] = byte(handle >> 8)
		raw[n*4+2] = byte(handle >> 16)
		raw[n*4+3] = byte(handle >> 24)
	}
	return i.writeAt(ptr, raw)
}
