// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package calltrace implements a lock-free, hash-interned store
// mapping a call trace's frame array to a compact 32-bit trace id with
// sample/counter aggregates. It is a close port of async-profiler's
// CallTraceStorage (src/callTraceStorage.{h,cpp}): a chain of doubling
// hash tables, quadratic probing, key-slot CAS publication, and a trace-id
// encoding that stays stable across rehashes.
package calltrace

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"unsafe"

	"asprofgo/internal/arena"
	"asprofgo/internal/frame"
	"asprofgo/internal/metrics"
)

const (
	initialCapacity = 65536
	overflowTraceID = uint32(0x7fffffff)
)

// Sample is the value stored alongside an interned trace. Trace is
// published with release semantics only after the owning key slot's CAS
// succeeds, so any reader that observes a non-nil Trace via Sample.trace()
// is guaranteed to see fully-initialized frame data.
type Sample struct {
	trace   atomic.Pointer[frame.CallTrace]
	Samples atomic.Uint64
	Counter atomic.Uint64
}

// Trace returns the interned call trace, or nil if the slot's key has been
// claimed by a concurrent put that has not yet published its trace.
func (s *Sample) Trace() *frame.CallTrace { return s.trace.Load() }

type table struct {
	prev     *table
	next     atomic.Pointer[table]
	capacity uint32
	size     atomic.Uint32
	keys     []uint64
	values   []Sample
}

func newTable(prev *table, capacity uint32) *table {
	return &table{
		prev:     prev,
		capacity: capacity,
		keys:     make([]uint64, capacity),
		values:   make([]Sample, capacity),
	}
}

var overflowTrace = frame.CallTrace{Frames: []frame.Frame{{Kind: frame.KindError, Method: symbolStorageOverflow}}}

const symbolStorageOverflow = 1

// Store is the call-trace interning store. Zero value is not usable; call
// New.
type Store struct {
	arena   *arena.Arena
	current atomic.Pointer[table]
	// initialCap is frozen at construction so the trace-id encoding
	// (table_capacity - initial_capacity + 1 + slot) stays well-defined
	// across this Store's lifetime, even if a caller configures a
	// non-default initial capacity.
	initialCap uint32
	overflow   atomic.Uint64
	mu         sync.Mutex // taken only by Clear; Put, Add and growPast never take it
}

// New creates a Store with the given initial hash-table capacity (rounded
// up to a power of two; 0 selects the default 65536) and arena chunk size
// (0 selects arena.DefaultChunkSize).
func New(initialCapacity, arenaChunkSize uint64) *Store {
	cap32 := nextPow2(uint32(initialCapacity))
	if cap32 == 0 {
		cap32 = nextPow2(0)
	}
	s := &Store{
		arena:      arena.New(arenaChunkSize),
		initialCap: cap32,
	}
	s.current.Store(newTable(nil, cap32))
	return s
}

func nextPow2(v uint32) uint32 {
	if v == 0 {
		v = initialCapacity
	}
	p := uint32(1)
	for p < v {
		p <<= 1
	}
	return p
}

func frameBytes(frames []frame.Frame) []byte {
	buf := make([]byte, len(frames)*16)
	for i, f := range frames {
		off := i * 16
		binary.LittleEndian.PutUint64(buf[off:], f.Method)
		binary.LittleEndian.PutUint32(buf[off+8:], uint32(f.BCI))
		binary.LittleEndian.PutUint32(buf[off+12:], uint32(f.Kind))
	}
	return buf
}

// Put interns frames (weighted by counter) and returns its trace id.
// Async-signal-safe: bounded probing, CAS-based publication, arena-backed
// frame storage, no locks taken on the hot path (Store.mu is only ever
// taken by Clear, which callers must never invoke concurrently with an
// in-flight signal-driven Put on the same Store).
func (s *Store) Put(frames []frame.Frame, counter uint64) uint32 {
	if len(frames) > frame.MaxDepth {
		frames = frame.CallTrace{Frames: frames}.Truncate(frame.MaxDepth).Frames
	}
	key := murmurHash64A(frameBytes(frames))
	if key == 0 {
		key = 1 // 0 is the "empty slot" sentinel
	}

	t := s.current.Load()
	capMask := t.capacity - 1
	slot := uint32(key) & capMask
	var step uint32

	for {
		existing := atomic.LoadUint64(&t.keys[slot])
		if existing == key {
			break
		}
		if existing == 0 {
			if atomic.CompareAndSwapUint64(&t.keys[slot], 0, key) {
				if t.size.Add(1) == t.capacity*3/4 {
					s.growPast(t)
				}
				s.publish(t, slot, frames)
				break
			}
			continue // lost the CAS race; re-read this slot
		}
		step++
		if step >= t.capacity {
			metrics.IncTraceStoreOverflow()
			s.overflow.Add(1)
			return overflowTraceID
		}
		slot = (slot + step) & capMask
	}

	sample := &t.values[slot]
	sample.Samples.Add(1)
	sample.Counter.Add(counter)
	return traceID(s.initialCap, t.capacity, slot)
}

// Add cheaply increments a known trace id's aggregates without re-probing,
// for callers that cache the id from a prior Put.
func (s *Store) Add(id uint32, counter uint64) {
	if id == overflowTraceID {
		s.overflow.Add(1)
		return
	}
	t, slot, ok := s.locate(id)
	if !ok {
		return
	}
	sample := &t.values[slot]
	sample.Samples.Add(1)
	sample.Counter.Add(counter)
}

func (s *Store) locate(id uint32) (*table, uint32, bool) {
	for t := s.current.Load(); t != nil; t = t.prev {
		if cap32 := t.capacity; id >= cap32-(s.initialCap-1) && id < cap32-(s.initialCap-1)+cap32 {
			return t, id - (cap32 - (s.initialCap - 1)), true
		}
	}
	return nil, 0, false
}

func traceID(initialCap, capacity, slot uint32) uint32 {
	return (capacity - (initialCap - 1)) + slot
}

// publish copies frames into arena-backed memory and stores the result, so
// that retained traces never pin Go-heap allocations made on the sampling
// path.
func (s *Store) publish(t *table, slot uint32, frames []frame.Frame) {
	buf := s.arena.Alloc(uint64(len(frames)) * frameSize)
	if buf == nil {
		metrics.IncArenaAllocFailed()
		return
	}
	copied := unsafe.Slice((*frame.Frame)(unsafe.Pointer(&buf[0])), len(frames))
	copy(copied, frames)
	t.values[slot].trace.Store(&frame.CallTrace{Frames: copied})
}

const frameSize = uint64(unsafe.Sizeof(frame.Frame{}))

func (s *Store) growPast(t *table) {
	if t.next.Load() != nil {
		s.current.CompareAndSwap(t, t.next.Load())
		return
	}
	nt := newTable(t, t.capacity*2)
	if t.next.CompareAndSwap(nil, nt) {
		s.current.CompareAndSwap(t, nt)
	} else {
		s.current.CompareAndSwap(t, t.next.Load())
	}
}

// CollectTraces resolves every interned, currently-sampled trace id to its
// CallTrace and resets each slot's sample counter to zero, so a subsequent
// output chunk does not double-report occurrences.
func (s *Store) CollectTraces() map[uint32]*frame.CallTrace {
	out := map[uint32]*frame.CallTrace{}
	for t := s.current.Load(); t != nil; t = t.prev {
		for slot := uint32(0); slot < t.capacity; slot++ {
			if t.keys[slot] == 0 {
				continue
			}
			if t.values[slot].Samples.Swap(0) == 0 {
				continue
			}
			if tr := t.values[slot].trace.Load(); tr != nil {
				out[traceID(s.initialCap, t.capacity, slot)] = tr
			}
		}
	}
	if s.overflow.Load() > 0 {
		out[overflowTraceID] = &overflowTrace
	}
	return out
}

// CollectSamples returns every live (key installed, trace published) sample
// slot without resetting counters, keyed by the 64-bit hash.
func (s *Store) CollectSamples() map[uint64]*Sample {
	out := map[uint64]*Sample{}
	for t := s.current.Load(); t != nil; t = t.prev {
		for slot := uint32(0); slot < t.capacity; slot++ {
			key := t.keys[slot]
			if key == 0 || t.values[slot].trace.Load() == nil {
				continue
			}
			out[key] = &t.values[slot]
		}
	}
	return out
}

// Clear drops every table but the first and releases the arena. Must
// not be called concurrently with Put/Add on this
// Store — the facade serializes Clear against an engine-stop barrier.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.current.Load()
	for t.prev != nil {
		t = t.prev
	}
	t.next.Store(nil)
	t.size.Store(0)
	for i := range t.keys {
		t.keys[i] = 0
	}
	for i := range t.values {
		t.values[i] = Sample{}
	}
	s.current.Store(t)
	s.overflow.Store(0)
	s.arena.Clear()
}

// Close releases the arena entirely. The Store must not be used afterward.
func (s *Store) Close() { s.arena.Close() }
