// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

package pprofutils

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/pprof/profile"
)

// Delta computes a value-wise difference between two profiles of the
// same shape, used by the periodic-dump path to turn async-profiler's
// native cumulative counters into the per-interval deltas a flame graph
// or collapsed-stack output expects.
type Delta struct {
	// SampleTypes names which of b's sample value columns to diff
	// against a; columns not named here are copied through from b
	// unchanged. An empty SampleTypes diffs every column.
	SampleTypes []ValueType
}

// Convert returns a profile with b's sample structure (Location,
// Function, Mapping) and, for each diffed value column, b's value minus
// the value of the matching sample in a (0 if a has no matching
// sample). Samples whose resulting values are all zero are dropped, and
// the result is sorted by descending first value.
func (d Delta) Convert(a, b *profile.Profile) (*profile.Profile, error) {
	diffIdx := map[int]bool{}
	if len(d.SampleTypes) == 0 {
		for i := range b.SampleType {
			diffIdx[i] = true
		}
	} else {
		for _, vt := range d.SampleTypes {
			idx := -1
			for i, bvt := range b.SampleType {
				if bvt.Type == vt.Type && bvt.Unit == vt.Unit {
					idx = i
					break
				}
			}
			if idx == -1 {
				return nil, fmt.Errorf("pprofutils: one or more sample type(s) was not found in the profile")
			}
			diffIdx[idx] = true
		}
	}

	aByKey := map[string]*profile.Sample{}
	for _, s := range a.Sample {
		aByKey[stackKey(s)] = s
	}

	out := &profile.Profile{
		SampleType:        b.SampleType,
		PeriodType:        b.PeriodType,
		Period:            b.Period,
		TimeNanos:         b.TimeNanos,
		DurationNanos:     b.DurationNanos,
		Mapping:           b.Mapping,
		Location:          b.Location,
		Function:          b.Function,
		DefaultSampleType: b.DefaultSampleType,
	}

	for _, bs := range b.Sample {
		values := make([]int64, len(bs.Value))
		as := aByKey[stackKey(bs)]

		allZero := true
		for i, bv := range bs.Value {
			if !diffIdx[i] {
				values[i] = bv
			} else {
				av := int64(0)
				if as != nil && i < len(as.Value) {
					av = as.Value[i]
				}
				v := bv - av
				if v < 0 {
					v = 0
				}
				values[i] = v
			}
			if values[i] != 0 {
				allZero = false
			}
		}
		if allZero {
			continue
		}

		out.Sample = append(out.Sample, &profile.Sample{
			Location: bs.Location,
			Value:    values,
			Label:    bs.Label,
			NumLabel: bs.NumLabel,
			NumUnit:  bs.NumUnit,
		})
	}

	sort.SliceStable(out.Sample, func(i, j int) bool {
		vi, vj := int64(0), int64(0)
		if len(out.Sample[i].Value) > 0 {
			vi = out.Sample[i].Value[0]
		}
		if len(out.Sample[j].Value) > 0 {
			vj = out.Sample[j].Value[0]
		}
		return vi > vj
	})

	return out, nil
}

// stackKey builds a matching key from a sample's location addresses, not
// its IDs or function names: two profiles parsed independently (e.g. via
// two separate Text.Convert calls) never share Location/Function IDs,
// but Text.Convert derives Location.Address deterministically from the
// frame name, so address sequences remain comparable across profiles.
func stackKey(s *profile.Sample) string {
	var b strings.Builder
	for _, loc := range s.Location {
		fmt.Fprintf(&b, "%x;", loc.Address)
	}
	return b.String()
}

// fixNegativeValues clamps every sample value in prof to zero if
// negative, guarding against the symbolization races that produced
// spurious negative deltas in PROF-4239.
func fixNegativeValues(prof *profile.Profile) {
	for _, s := range prof.Sample {
		for i, v := range s.Value {
			if v < 0 {
				s.Value[i] = 0
			}
		}
	}
}

func hasNegativeValue(s *profile.Sample) bool {
	for _, v := range s.Value {
		if v < 0 {
			return true
		}
	}
	return false
}
