// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

package jfr

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"time"

	"asprofgo/internal/event"
	"asprofgo/internal/frame"
)

// magic opens every chunk this package writes. Real JFR chunks open with
// "FLR\0"; this format is a self-consistent chunked encoding (see the
// package doc), not a byte-compatible JDK JFR clone, so a distinct magic
// avoids misleading a reader into thinking otherwise.
var magic = [4]byte{'A', 'S', 'P', 'C'}

const formatVersion = 1

// Stack is one interned call trace as stored in a chunk's constant pool:
// resolved frame names rather than raw method ids, so a chunk is
// self-describing without consulting internal/symbols after the fact
// (mirrors real JFR's constant-pool-of-stack-traces design, where a
// stack is written once and referenced by id from every event that
// shares it).
type Stack struct {
	Frames []StackFrame
}

// StackFrame is one resolved frame within a chunk's stack constant pool.
type StackFrame struct {
	Name string
	BCI  int32
	Kind frame.Kind
}

// Chunk is a fully decoded chunk: its header fields, the stack constant
// pool, and the event records that reference it by trace id.
type Chunk struct {
	RunID     [16]byte
	StartTick int64
	Stacks    map[uint32]Stack
	Events    []event.Event
}

// Writer encodes Chunks to the wire format described in the package doc.
// Resolve looks up the display name for a frame's Method/symbol id
// (normally internal/symbols.Lookup); frames with no registered name are
// written as their hex address, matching internal/symbols.Name.
type Writer struct {
	Resolve func(id uint64) (string, bool)
}

// WriteChunk writes one chunk: header, then the stack constant pool (the
// union of every trace id referenced by events plus any extra trace the
// caller wants durable even if unreferenced this chunk), then the event
// records.
func (jw Writer) WriteChunk(w io.Writer, runID [16]byte, startTick int64, traces map[uint32]*frame.CallTrace, events []event.Event) error {
	bw := bufio.NewWriter(w)

	if _, err := bw.Write(magic[:]); err != nil {
		return fmt.Errorf("jfr: write magic: %w", err)
	}
	if err := bw.WriteByte(formatVersion); err != nil {
		return err
	}
	if _, err := bw.Write(runID[:]); err != nil {
		return fmt.Errorf("jfr: write run id: %w", err)
	}
	if _, err := writeVarint(bw, zigzagEncode(startTick)); err != nil {
		return fmt.Errorf("jfr: write start tick: %w", err)
	}

	if _, err := writeVarint(bw, uint64(len(traces))); err != nil {
		return err
	}
	// Deterministic order so two chunks built from the same traces map
	// produce byte-identical output (useful for tests and for diffing
	// dumps), even though map iteration itself is unordered.
	ids := sortedTraceIDs(traces)
	for _, id := range ids {
		t := traces[id]
		if err := jw.writeStack(bw, id, t); err != nil {
			return err
		}
	}

	if _, err := writeVarint(bw, uint64(len(events))); err != nil {
		return err
	}
	prevTick := startTick
	for _, e := range events {
		if err := writeEvent(bw, e, &prevTick); err != nil {
			return err
		}
	}

	return bw.Flush()
}

func sortedTraceIDs(traces map[uint32]*frame.CallTrace) []uint32 {
	ids := make([]uint32, 0, len(traces))
	for id := range traces {
		ids = append(ids, id)
	}
	// Simple insertion sort: chunks hold at most a few thousand distinct
	// traces per dump interval, so an O(n^2) sort is not worth pulling
	// in sort.Slice's reflection overhead for this hot-ish path.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

func (jw Writer) writeStack(w *bufio.Writer, id uint32, t *frame.CallTrace) error {
	if _, err := writeVarint(w, uint64(id)); err != nil {
		return err
	}
	if _, err := writeVarint(w, uint64(len(t.Frames))); err != nil {
		return err
	}
	for _, f := range t.Frames {
		name := hexAddr(f.Method)
		if jw.Resolve != nil {
			if n, ok := jw.Resolve(f.Method); ok {
				name = n
			}
		}
		if err := writeString(w, name); err != nil {
			return err
		}
		if _, err := writeVarint(w, zigzagEncode(int64(f.BCI))); err != nil {
			return err
		}
		if _, err := writeVarint(w, zigzagEncode(int64(f.Kind))); err != nil {
			return err
		}
	}
	return nil
}

func hexAddr(id uint64) string {
	return fmt.Sprintf("0x%016x", id)
}

func writeString(w *bufio.Writer, s string) error {
	if _, err := writeVarint(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func writeEvent(w *bufio.Writer, e event.Event, prevTick *int64) error {
	if err := w.WriteByte(byte(e.Kind)); err != nil {
		return err
	}
	delta := e.StartTick - *prevTick
	*prevTick = e.StartTick
	if _, err := writeVarint(w, zigzagEncode(delta)); err != nil {
		return err
	}
	if _, err := writeVarint(w, zigzagEncode(int64(e.ThreadID))); err != nil {
		return err
	}
	if _, err := writeVarint(w, uint64(e.TraceID)); err != nil {
		return err
	}
	if _, err := writeVarint(w, e.Samples); err != nil {
		return err
	}
	if _, err := writeVarint(w, e.Counter); err != nil {
		return err
	}
	p := e.Payload
	fields := []uint64{
		p.ClassID,
		p.Size,
		p.Address,
		uint64(p.Duration),
		uint64(p.Timeout),
		p.GCEpoch,
		zigzagEncode(int64(p.CPUPercent * 1000)), // millipercent, integral
		p.RSSBytes,
		p.VMSizeByte,
		zigzagEncode(int64(p.NumThreads)),
		zigzagEncode(int64(p.NumFDs)),
	}
	for _, f := range fields {
		if _, err := writeVarint(w, f); err != nil {
			return err
		}
	}
	return nil
}

// Reader decodes chunks written by Writer.
type Reader struct{}

// ReadChunk reads and decodes exactly one chunk from r.
func (Reader) ReadChunk(r io.Reader) (Chunk, error) {
	br := bufio.NewReader(r)

	var gotMagic [4]byte
	if _, err := io.ReadFull(br, gotMagic[:]); err != nil {
		return Chunk{}, fmt.Errorf("jfr: read magic: %w", err)
	}
	if gotMagic != magic {
		return Chunk{}, fmt.Errorf("jfr: bad magic %q", gotMagic)
	}
	version, err := br.ReadByte()
	if err != nil {
		return Chunk{}, fmt.Errorf("jfr: read version: %w", err)
	}
	if version != formatVersion {
		return Chunk{}, fmt.Errorf("jfr: unsupported chunk version %d", version)
	}

	var c Chunk
	if _, err := io.ReadFull(br, c.RunID[:]); err != nil {
		return Chunk{}, fmt.Errorf("jfr: read run id: %w", err)
	}

	startTickZ, err := readVarint(br)
	if err != nil {
		return Chunk{}, fmt.Errorf("jfr: read start tick: %w", err)
	}
	c.StartTick = zigzagDecode(startTickZ)

	nStacks, err := readVarint(br)
	if err != nil {
		return Chunk{}, fmt.Errorf("jfr: read stack count: %w", err)
	}
	c.Stacks = make(map[uint32]Stack, nStacks)
	for i := uint64(0); i < nStacks; i++ {
		id, st, err := readStack(br)
		if err != nil {
			return Chunk{}, fmt.Errorf("jfr: read stack %d: %w", i, err)
		}
		c.Stacks[id] = st
	}

	nEvents, err := readVarint(br)
	if err != nil {
		return Chunk{}, fmt.Errorf("jfr: read event count: %w", err)
	}
	c.Events = make([]event.Event, 0, nEvents)
	tick := c.StartTick
	for i := uint64(0); i < nEvents; i++ {
		e, err := readEvent(br, &tick)
		if err != nil {
			return Chunk{}, fmt.Errorf("jfr: read event %d: %w", i, err)
		}
		c.Events = append(c.Events, e)
	}

	return c, nil
}

func readStack(r *bufio.Reader) (uint32, Stack, error) {
	id, err := readVarint(r)
	if err != nil {
		return 0, Stack{}, err
	}
	n, err := readVarint(r)
	if err != nil {
		return 0, Stack{}, err
	}
	frames := make([]StackFrame, n)
	for i := range frames {
		name, err := readString(r)
		if err != nil {
			return 0, Stack{}, err
		}
		bciZ, err := readVarint(r)
		if err != nil {
			return 0, Stack{}, err
		}
		kindZ, err := readVarint(r)
		if err != nil {
			return 0, Stack{}, err
		}
		frames[i] = StackFrame{Name: name, BCI: int32(zigzagDecode(bciZ)), Kind: frame.Kind(zigzagDecode(kindZ))}
	}
	return uint32(id), Stack{Frames: frames}, nil
}

func readString(r *bufio.Reader) (string, error) {
	n, err := readVarint(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readEvent(r *bufio.Reader, tick *int64) (event.Event, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return event.Event{}, err
	}
	deltaZ, err := readVarint(r)
	if err != nil {
		return event.Event{}, err
	}
	*tick += zigzagDecode(deltaZ)

	threadZ, err := readVarint(r)
	if err != nil {
		return event.Event{}, err
	}
	traceID, err := readVarint(r)
	if err != nil {
		return event.Event{}, err
	}
	samples, err := readVarint(r)
	if err != nil {
		return event.Event{}, err
	}
	counter, err := readVarint(r)
	if err != nil {
		return event.Event{}, err
	}

	const numFields = 11
	raw := make([]uint64, numFields)
	for i := range raw {
		v, err := readVarint(r)
		if err != nil {
			return event.Event{}, err
		}
		raw[i] = v
	}

	return event.Event{
		Kind:      event.Kind(kindByte),
		StartTick: *tick,
		ThreadID:  int(zigzagDecode(threadZ)),
		TraceID:   uint32(traceID),
		Samples:   samples,
		Counter:   counter,
		Payload: event.Payload{
			ClassID:    raw[0],
			Size:       raw[1],
			Address:    raw[2],
			Duration:   time.Duration(raw[3]),
			Timeout:    time.Duration(raw[4]),
			GCEpoch:    raw[5],
			CPUPercent: float64(zigzagDecode(raw[6])) / 1000,
			RSSBytes:   raw[7],
			VMSizeByte: raw[8],
			NumThreads: int(zigzagDecode(raw[9])),
			NumFDs:     int(zigzagDecode(raw[10])),
		},
	}, nil
}

// EncodeChunk is a convenience wrapper returning the written bytes
// directly, for callers (tests, the `dump` command path) that want an
// in-memory chunk rather than streaming to an io.Writer.
func EncodeChunk(jw Writer, runID [16]byte, startTick int64, traces map[uint32]*frame.CallTrace, events []event.Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := jw.WriteChunk(&buf, runID, startTick, traces, events); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
