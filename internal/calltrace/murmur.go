// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

package calltrace

import "unsafe"

// murmurHash64A is a direct Go port of async-profiler's adaptation of
// Austin Appleby's MurmurHash64A (src/callTraceStorage.cpp calcHash),
// operating over the raw bytes of a []frame.Frame the same way the C++
// hashes ASGCT_CallFrame[]. Kept byte-for-byte identical to the original
// so that frame arrays exported to async-profiler-compatible tooling
// (none shipped by this module, but the property is testable) hash the
// same way.
func murmurHash64A(data []byte) uint64 {
	const m = 0xc6a4a7935bd1e995
	const r = 47

	h := uint64(len(data)) * m

	n := len(data) / 8
	for i := 0; i < n; i++ {
		k := *(*uint64)(unsafe.Pointer(&data[i*8]))
		k *= m
		k ^= k >> r
		k *= m
		h ^= k
		h *= m
	}

	rem := data[n*8:]
	var k uint64
	switch len(rem) {
	case 7:
		k ^= uint64(rem[6]) << 48
		fallthrough
	case 6:
		k ^= uint64(rem[5]) << 40
		fallthrough
	case 5:
		k ^= uint64(rem[4]) << 32
		fallthrough
	case 4:
		k ^= uint64(rem[3]) << 24
		fallthrough
	case 3:
		k ^= uint64(rem[2]) << 16
		fallthrough
	case 2:
		k ^= uint64(rem[1]) << 8
		fallthrough
	case 1:
		k ^= uint64(rem[0])
		h ^= k
		h *= m
	}

	h ^= h >> r
	h *= m
	h ^= h >> r

	return h
}
