// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package lock implements the lock/monitor-contention engine and its
// park-wait counterpart: record a lock-wait event when the calling
// thread blocked longer than the configured threshold. Go's standard
// sync.Mutex/sync.RWMutex contention is already sampled by the runtime
// itself via runtime.SetMutexProfileFraction and surfaced through
// pprof.Lookup("mutex"); channel/select/sync.Cond parking (the
// park-wait analogue) is sampled the same way via
// runtime.SetBlockProfileRate and pprof.Lookup("block"). Both are
// fractional samplers keyed by a "sample 1 in N contention events"
// rate rather than a fixed count, so this engine treats args.Lock (a
// duration) as a threshold converted to a sampling fraction.
package lock

import (
	"bytes"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/google/pprof/profile"

	"asprofgo/internal/command"
	"asprofgo/internal/engine"
	"asprofgo/internal/event"
	"asprofgo/internal/frame"
	"asprofgo/internal/log"
	"asprofgo/internal/metrics"
	"asprofgo/internal/symbols"
)

// DefaultFraction samples 1 in 100 contention events, matching Go's own
// commonly recommended starting point for mutex profiling.
const DefaultFraction = 100

// DefaultHarvestPeriod is how often this engine drains the mutex/block
// profiles into recorded Events.
const DefaultHarvestPeriod = time.Second

// Engine is the lock engine (mutex contention + park-wait, collapsed
// onto Go's two block-profiling facilities).
type Engine struct {
	mu      sync.Mutex
	rec     engine.Recorder
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool

	prevMutexFraction int
	prevBlockRate     int
	seen              map[string]int64
}

// New creates a stopped lock engine.
func New() *Engine { return &Engine{seen: map[string]int64{}} }

func (*Engine) Type() engine.Type { return engine.TypeLock }
func (*Engine) Title() string     { return "Lock contention profile" }
func (*Engine) Units() string     { return "nanoseconds" }

// Check always succeeds: mutex/block profiling can be enabled from any
// process state.
func (*Engine) Check(command.Args) error { return nil }

// Start enables mutex and block profiling. args.Lock, if set, is
// treated as a minimum-wait threshold and converted to an
// approximately equivalent sampling fraction (a smaller threshold
// implies denser sampling); zero uses DefaultFraction.
func (e *Engine) Start(args command.Args, rec engine.Recorder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	fraction := DefaultFraction
	if args.Lock > 0 {
		fraction = thresholdToFraction(args.Lock)
	}

	e.prevMutexFraction = runtime.SetMutexProfileFraction(fraction)
	e.prevBlockRate = 0 // runtime has no getter; 0 restores "disabled" on Stop, matching Go's own default.
	runtime.SetBlockProfileRate(fraction)

	e.rec = rec
	e.stopCh = make(chan struct{})
	e.running = true

	e.wg.Add(1)
	go e.loop(DefaultHarvestPeriod)
	return nil
}

// thresholdToFraction maps a minimum-wait duration to a sampling
// fraction: sub-millisecond thresholds sample densely, multi-second
// thresholds sample coarsely, bottoming out at 1 (sample everything).
func thresholdToFraction(threshold time.Duration) int {
	switch {
	case threshold <= time.Millisecond:
		return 1
	case threshold <= 10*time.Millisecond:
		return 10
	case threshold <= 100*time.Millisecond:
		return 100
	default:
		return 1000
	}
}

func (e *Engine) loop(period time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			e.harvest()
			return
		case <-ticker.C:
			e.harvest()
		}
	}
}

func (e *Engine) harvest() {
	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()
	if rec == nil {
		return
	}

	e.harvestProfile("mutex", event.KindLockWait, rec)
	e.harvestProfile("block", event.KindParkWait, rec)
}

func (e *Engine) harvestProfile(name string, kind event.Kind, rec engine.Recorder) {
	p := pprof.Lookup(name)
	if p == nil {
		return
	}
	var buf bytes.Buffer
	if err := p.WriteTo(&buf, 0); err != nil {
		log.Warn("lock: failed to read %s profile: %v", name, err)
		metrics.IncSampleDropped()
		return
	}
	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		log.Warn("lock: failed to parse %s profile: %v", name, err)
		metrics.IncSampleDropped()
		return
	}

	delayIdx := sampleValueIndex(prof, "delay")
	if delayIdx < 0 {
		delayIdx = len(prof.SampleType) - 1
	}
	for _, s := range prof.Sample {
		if delayIdx >= len(s.Value) {
			continue
		}
		key := name + "|" + stackKey(s.Location)
		prevDelay := e.seen[key]
		delay := s.Value[delayIdx]
		delta := delay - prevDelay
		e.seen[key] = delay
		if delta <= 0 {
			continue
		}
		trace := traceFromLocations(s.Location)
		rec.RecordSample(kind, 0, trace, uint64(delta), event.Payload{Duration: time.Duration(delta)})
	}
}

func sampleValueIndex(prof *profile.Profile, typ string) int {
	for i, st := range prof.SampleType {
		if st.Type == typ {
			return i
		}
	}
	return -1
}

func stackKey(locs []*profile.Location) string {
	b := make([]byte, 0, len(locs)*8)
	for _, loc := range locs {
		addr := loc.Address
		for j := 0; j < 8; j++ {
			b = append(b, byte(addr>>(8*j)))
		}
	}
	return string(b)
}

func traceFromLocations(locs []*profile.Location) frame.CallTrace {
	frames := make([]frame.Frame, 0, len(locs))
	for _, loc := range locs {
		name := "?"
		line := int32(0)
		if len(loc.Line) > 0 && loc.Line[0].Function != nil {
			name = loc.Line[0].Function.Name
			line = int32(loc.Line[0].Line)
		}
		frames = append(frames, frame.Frame{
			Method: symbols.Intern(name),
			BCI:    line,
			Kind:   frame.KindCompiled,
		})
	}
	return frame.CallTrace{Frames: frames}
}

// Stop disables mutex/block profiling (restoring the prior fraction)
// and performs a final harvest.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	stopCh := e.stopCh
	e.mu.Unlock()

	close(stopCh)
	e.wg.Wait()

	e.mu.Lock()
	runtime.SetMutexProfileFraction(e.prevMutexFraction)
	runtime.SetBlockProfileRate(e.prevBlockRate)
	e.mu.Unlock()
	return nil
}
