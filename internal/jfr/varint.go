// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package jfr implements the `.jfr` on-disk output format: chunks of a
// header (magic, format version, run id, start tick), a constant pool
// of call traces, and event records, in a packed-varint encoding.
// Strings are written only as length-prefixed UTF-8; there is no
// LATIN-1 encoding and no indexed string pool. The event model is the
// one a JFR consumer expects (ExecutionSample/ObjectAllocation/
// JavaMonitorEnter/ThreadPark kinds, retargeted below to this
// profiler's own engine set).
//
// This is a self-consistent chunked binary format, not a byte-compatible
// clone of the JDK's JFR writer: a chunk written then parsed yields the
// same events back (modulo timestamp rebasing), without attempting to
// match the JDK's metadata-event schema byte for byte.
package jfr

import "io"

// putVarint writes v as a little-endian base-128 varint (7 payload bits
// per byte, high bit set on every byte but the last), the same packing
// scheme the real JFR format's LEB128-style integers use.
func putVarint(buf []byte, v uint64) int {
	i := 0
	for v >= 0x80 {
		buf[i] = byte(v) | 0x80
		v >>= 7
		i++
	}
	buf[i] = byte(v)
	return i + 1
}

func writeVarint(w io.Writer, v uint64) (int, error) {
	var buf [10]byte
	n := putVarint(buf[:], v)
	return w.Write(buf[:n])
}

// readVarint reads a varint written by writeVarint from r.
func readVarint(r io.ByteReader) (uint64, error) {
	var v uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, io.ErrUnexpectedEOF
		}
	}
}

func zigzagEncode(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func zigzagDecode(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}
