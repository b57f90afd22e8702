// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package pprofutils implements the `.collapsed` on-disk format and
// the delta-profiling transform the periodic-dump path applies before
// writing a pprof-family output. Text converts collapsed-stack text to
// a *profile.Profile, Protobuf renders a *profile.Profile back out as
// collapsed-stack text (it does not encode the wire protobuf itself —
// google/pprof/profile's own Write method owns that), and Delta
// computes a value-wise difference between two profiles sharing the
// same stack shapes.
package pprofutils

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/pprof/profile"

	"asprofgo/internal/symbols"
)

// ValueType names one of a profile's sample value columns (e.g.
// {Type: "alloc_space", Unit: "bytes"}), independent of
// *profile.ValueType so callers can specify a wanted type without first
// obtaining one from a parsed profile.
type ValueType struct {
	Type string
	Unit string
}

// Text converts collapsed-stack text to a *profile.Profile.
type Text struct{}

// Convert parses r as collapsed-stack text: an optional header line of
// space-separated `type/unit` tokens naming the sample value columns
// (defaulting to a single `samples/count` column when absent), followed
// by one line per stack: `frame1;frame2;...;frameN value1 ... valueK`,
// frame1 being the root of the stack and frameN its leaf.
func (Text) Convert(r io.Reader) (*profile.Profile, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("pprofutils: reading collapsed text: %w", err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("pprofutils: empty collapsed text")
	}

	sampleTypes := []ValueType{{Type: "samples", Unit: "count"}}
	if isHeaderLine(lines[0]) {
		sampleTypes = parseHeader(lines[0])
		lines = lines[1:]
	}

	p := &profile.Profile{
		PeriodType: &profile.ValueType{},
	}
	for _, vt := range sampleTypes {
		p.SampleType = append(p.SampleType, &profile.ValueType{Type: vt.Type, Unit: vt.Unit})
	}

	locations := map[string]*profile.Location{}
	var nextID uint64

	getLocation := func(name string) *profile.Location {
		if loc, ok := locations[name]; ok {
			return loc
		}
		nextID++
		fn := &profile.Function{ID: nextID, Name: name}
		loc := &profile.Location{
			ID:      nextID,
			Address: frameAddress(name),
			Line:    []profile.Line{{Function: fn}},
		}
		locations[name] = loc
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		return loc
	}

	for _, line := range lines {
		stack, values, err := parseDataLine(line, len(sampleTypes))
		if err != nil {
			return nil, fmt.Errorf("pprofutils: %w", err)
		}

		names := strings.Split(stack, ";")
		locs := make([]*profile.Location, len(names))
		for i, name := range names {
			locs[len(names)-1-i] = getLocation(name)
		}

		p.Sample = append(p.Sample, &profile.Sample{Location: locs, Value: values})
	}

	return p, nil
}

func isHeaderLine(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	last := fields[len(fields)-1]
	_, err := strconv.ParseInt(last, 10, 64)
	return err != nil
}

func parseHeader(line string) []ValueType {
	fields := strings.Fields(line)
	out := make([]ValueType, len(fields))
	for i, f := range fields {
		typ, unit, _ := strings.Cut(f, "/")
		out[i] = ValueType{Type: typ, Unit: unit}
	}
	return out
}

func parseDataLine(line string, wantValues int) (stack string, values []int64, err error) {
	fields := strings.Fields(line)
	if len(fields) < wantValues+1 {
		return "", nil, fmt.Errorf("line %q: expected a stack and %d value(s)", line, wantValues)
	}
	stack = fields[0]
	valueFields := fields[len(fields)-wantValues:]
	values = make([]int64, wantValues)
	for i, vf := range valueFields {
		v, err := strconv.ParseInt(vf, 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("line %q: value %q: %w", line, vf, err)
		}
		values[i] = v
	}
	return stack, values, nil
}

// frameAddress gives two independently parsed profiles matching
// Location addresses for the same frame name, so Delta can pair their
// samples. It must stay in lockstep with the Address the profiler
// facade assigns when it builds a profile directly, hence the shared
// hash.
func frameAddress(name string) uint64 {
	return symbols.HashName(name)
}

// Protobuf renders a *profile.Profile as collapsed-stack text.
type Protobuf struct {
	// SampleTypes, when true, emits the type/unit header line and every
	// sample value column; when false, only the first value column is
	// emitted and no header is written.
	SampleTypes bool
}

// Convert writes p to w in collapsed-stack text form.
func (c Protobuf) Convert(p *profile.Profile, w io.Writer) error {
	bw := bufio.NewWriter(w)

	if c.SampleTypes {
		parts := make([]string, len(p.SampleType))
		for i, vt := range p.SampleType {
			parts[i] = vt.Type + "/" + vt.Unit
		}
		if _, err := fmt.Fprintln(bw, strings.Join(parts, " ")); err != nil {
			return err
		}
	}

	for _, s := range p.Sample {
		names := make([]string, len(s.Location))
		for i, loc := range s.Location {
			names[len(s.Location)-1-i] = locationName(loc)
		}

		values := s.Value
		if !c.SampleTypes && len(values) > 1 {
			values = values[:1]
		}
		strs := make([]string, len(values))
		for i, v := range values {
			strs[i] = strconv.FormatInt(v, 10)
		}

		if _, err := fmt.Fprintf(bw, "%s %s\n", strings.Join(names, ";"), strings.Join(strs, " ")); err != nil {
			return err
		}
	}

	return bw.Flush()
}

func locationName(loc *profile.Location) string {
	if len(loc.Line) == 0 || loc.Line[0].Function == nil {
		return "?"
	}
	return loc.Line[0].Function.Name
}
